package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Realtime/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

type fakeUsers struct {
	accounts map[domain.UserID]*domain.Account
	err      error
}

func (f *fakeUsers) FindAccount(_ context.Context, id domain.UserID) (*domain.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	acc, ok := f.accounts[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "user", ID: string(id)}
	}
	return acc, nil
}

func newGate(t *testing.T, users *fakeUsers) (*Gatekeeper, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	g := NewGatekeeper(Config{Secret: secret}, users, clk)
	return g, clk
}

func sign(t *testing.T, method jwt.SigningMethod, key any, sub string, iat time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: sub}
	if !iat.IsZero() {
		claims.IssuedAt = jwt.NewNumericDate(iat)
	}
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func activeUsers(ids ...domain.UserID) *fakeUsers {
	f := &fakeUsers{accounts: map[domain.UserID]*domain.Account{}}
	for _, id := range ids {
		f.accounts[id] = &domain.Account{ID: id, Role: domain.RoleClient, Active: true}
	}
	return f
}

func requireCode(t *testing.T, err error, code domain.AuthCode) {
	t.Helper()
	var ae *domain.AuthenticationError
	require.True(t, errors.As(err, &ae), "expected AuthenticationError, got %v", err)
	require.Equal(t, code, ae.Code)
}

func TestAuthenticateValidBearer(t *testing.T) {
	g, clk := newGate(t, activeUsers("u1"))
	tok := sign(t, jwt.SigningMethodHS256, secret, "u1", clk.Now())

	id, err := g.Authenticate(context.Background(), Handshake{Header: "Bearer " + tok, RemoteIP: "1.1.1.1"})
	require.NoError(t, err)
	require.Equal(t, domain.UserID("u1"), id.UserID)
	require.Equal(t, domain.RoleClient, id.Role)
	require.Equal(t, 1, id.ConnectionCount)
	require.Equal(t, 1, g.Connections("u1"))
}

func TestTokenPrecedence(t *testing.T) {
	h := Handshake{Header: "Bearer a", AuthToken: "b", Query: "c", SessionToken: "d"}
	require.Equal(t, "a", h.Token())
	h.Header = "Basic xyz"
	require.Equal(t, "b", h.Token())
	h.AuthToken = ""
	require.Equal(t, "c", h.Token())
	h.Query = ""
	require.Equal(t, "d", h.Token())
	h.SessionToken = ""
	require.Empty(t, h.Token())
	require.False(t, h.HasBearer())
}

func TestAuthenticateRejects(t *testing.T) {
	users := activeUsers("u1")
	past := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	users.accounts["inactive"] = &domain.Account{ID: "inactive", Active: false}
	users.accounts["gone"] = &domain.Account{ID: "gone", Active: true, DeactivatedAt: &past}
	users.accounts["locked"] = &domain.Account{ID: "locked", Active: true, LockoutUntil: &future}
	users.accounts["unlocked"] = &domain.Account{ID: "unlocked", Active: true, LockoutUntil: &past}

	g, clk := newGate(t, users)
	now := clk.Now()

	cases := []struct {
		name  string
		token string
		code  domain.AuthCode
	}{
		{"missing", "", domain.AuthFailed},
		{"garbage", "not-a-jwt", domain.AuthFailed},
		{"wrong secret", sign(t, jwt.SigningMethodHS256, []byte("other"), "u1", now), domain.AuthFailed},
		{"disallowed alg", sign(t, jwt.SigningMethodHS512, secret, "u1", now), domain.AuthFailed},
		{"no subject", sign(t, jwt.SigningMethodHS256, secret, "", now), domain.AuthFailed},
		{"no iat", sign(t, jwt.SigningMethodHS256, secret, "u1", time.Time{}), domain.AuthFailed},
		{"stale", sign(t, jwt.SigningMethodHS256, secret, "u1", now.Add(-25*time.Hour)), domain.AuthFailed},
		{"future iat", sign(t, jwt.SigningMethodHS256, secret, "u1", now.Add(time.Hour)), domain.AuthFailed},
		{"unknown user", sign(t, jwt.SigningMethodHS256, secret, "nobody", now), domain.AuthUserNotFound},
		{"inactive", sign(t, jwt.SigningMethodHS256, secret, "inactive", now), domain.AuthUserNotFound},
		{"deactivated", sign(t, jwt.SigningMethodHS256, secret, "gone", now), domain.AuthUserNotFound},
		{"locked", sign(t, jwt.SigningMethodHS256, secret, "locked", now), domain.AuthFailed},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// distinct sources keep the attempt limit out of the way
			_, err := g.Authenticate(context.Background(), Handshake{AuthToken: tc.token, RemoteIP: string(rune('a' + i))})
			requireCode(t, err, tc.code)
		})
	}

	_, err := g.Authenticate(context.Background(), Handshake{
		AuthToken: sign(t, jwt.SigningMethodHS256, secret, "unlocked", now),
		RemoteIP:  "z",
	})
	require.NoError(t, err)
}

func TestStoreFailureIsTransient(t *testing.T) {
	users := activeUsers()
	users.err = errors.New("connection refused")
	g, clk := newGate(t, users)

	_, err := g.Authenticate(context.Background(), Handshake{
		AuthToken: sign(t, jwt.SigningMethodHS256, secret, "u1", clk.Now()),
		RemoteIP:  "1.1.1.1",
	})
	requireCode(t, err, domain.AuthFailed)
	var tr *domain.TransientInfraError
	require.ErrorAs(t, err, &tr)
}

func TestAttemptLimitPerSource(t *testing.T) {
	g, clk := newGate(t, activeUsers("u1"))
	bad := Handshake{AuthToken: "bad", RemoteIP: "10.0.0.1"}

	for i := 0; i < 10; i++ {
		_, err := g.Authenticate(context.Background(), bad)
		requireCode(t, err, domain.AuthFailed)
	}

	// the 11th attempt is refused even with a valid token
	good := Handshake{AuthToken: sign(t, jwt.SigningMethodHS256, secret, "u1", clk.Now()), RemoteIP: "10.0.0.1"}
	_, err := g.Authenticate(context.Background(), good)
	requireCode(t, err, domain.AuthRateLimited)

	// another source is unaffected
	other := good
	other.RemoteIP = "10.0.0.2"
	_, err = g.Authenticate(context.Background(), other)
	require.NoError(t, err)

	clk.Add(61 * time.Second)
	good.AuthToken = sign(t, jwt.SigningMethodHS256, secret, "u1", clk.Now())
	_, err = g.Authenticate(context.Background(), good)
	require.NoError(t, err)
}

func TestConnectionCapAndRelease(t *testing.T) {
	g, clk := newGate(t, activeUsers("u1"))
	tok := sign(t, jwt.SigningMethodHS256, secret, "u1", clk.Now())

	for i := 0; i < 5; i++ {
		_, err := g.Authenticate(context.Background(), Handshake{AuthToken: tok, RemoteIP: "ip"})
		require.NoError(t, err)
	}
	_, err := g.Authenticate(context.Background(), Handshake{AuthToken: tok, RemoteIP: "ip"})
	requireCode(t, err, domain.AuthRateLimited)

	g.Release("u1")
	_, err = g.Authenticate(context.Background(), Handshake{AuthToken: tok, RemoteIP: "ip2"})
	require.NoError(t, err)
	require.Equal(t, 5, g.Stats().Admissions["u1"])

	for i := 0; i < 10; i++ {
		g.Release("u1")
	}
	require.Zero(t, g.Connections("u1"))
}

func TestSweepForgetsExpiredSources(t *testing.T) {
	g, clk := newGate(t, activeUsers())
	for _, ip := range []string{"a", "b", "c"} {
		_, _ = g.Authenticate(context.Background(), Handshake{RemoteIP: ip})
	}
	require.Equal(t, 3, g.Stats().TrackedSources)

	clk.Add(30 * time.Second)
	_, _ = g.Authenticate(context.Background(), Handshake{RemoteIP: "d"})
	clk.Add(31 * time.Second)

	require.Equal(t, 3, g.Sweep())
	require.Equal(t, 1, g.Stats().TrackedSources)
}

func TestAttemptLimiterBounded(t *testing.T) {
	rl := NewAttemptLimiter(2, time.Minute, 2, clock.NewMock())
	require.True(t, rl.Hit("a"))
	require.True(t, rl.Hit("b"))
	require.True(t, rl.Hit("c"))
	require.Equal(t, 2, rl.Len())
	require.Zero(t, rl.Attempts("a"))

	require.True(t, rl.Hit("c"))
	require.False(t, rl.Hit("c"))
	require.Equal(t, 3, rl.Attempts("c"))
}
