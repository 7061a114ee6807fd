// Package auth admits connections: it validates credentials, applies per-source
// attempt limits and caps concurrent connections per user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Realtime/internal/core"
	"github.com/dkeye/Realtime/internal/domain"
	"github.com/dkeye/Realtime/internal/metrics"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Secret                []byte
	Algorithms            []string
	MaxTokenAge           time.Duration
	Leeway                time.Duration
	MaxAttempts           int
	AttemptWindow         time.Duration
	TrackedSources        int
	MaxConnectionsPerUser int
	SweepInterval         time.Duration
	LookupTimeout         time.Duration
}

func (c *Config) withDefaults() {
	if len(c.Algorithms) == 0 {
		c.Algorithms = []string{jwt.SigningMethodHS256.Alg()}
	}
	if c.MaxTokenAge <= 0 {
		c.MaxTokenAge = 24 * time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.AttemptWindow <= 0 {
		c.AttemptWindow = time.Minute
	}
	if c.MaxConnectionsPerUser <= 0 {
		c.MaxConnectionsPerUser = 5
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 5 * time.Second
	}
}

// Claims is the token body we rely on. Only sub and iat are required.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type Gatekeeper struct {
	cfg     Config
	users   core.UserStore
	clock   clock.Clock
	limiter *AttemptLimiter
	parser  *jwt.Parser

	mu    sync.Mutex
	conns map[domain.UserID]int
}

func NewGatekeeper(cfg Config, users core.UserStore, clk clock.Clock) *Gatekeeper {
	cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Gatekeeper{
		cfg:     cfg,
		users:   users,
		clock:   clk,
		limiter: NewAttemptLimiter(cfg.MaxAttempts, cfg.AttemptWindow, cfg.TrackedSources, clk),
		parser: jwt.NewParser(
			jwt.WithValidMethods(cfg.Algorithms),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(cfg.Leeway),
			jwt.WithTimeFunc(clk.Now),
		),
		conns: make(map[domain.UserID]int),
	}
}

// Authenticate runs the full admission pipeline. On success the user's
// connection count is incremented; pair it with Release.
func (g *Gatekeeper) Authenticate(ctx context.Context, h Handshake) (*domain.AuthenticatedIdentity, error) {
	id, err := g.authenticate(ctx, h)
	if err != nil {
		var ae *domain.AuthenticationError
		if errors.As(err, &ae) {
			metrics.AuthRejections.WithLabelValues(string(ae.Code)).Inc()
		}
		log.Warn().Err(err).Str("module", "auth").Str("ip", h.RemoteIP).Msg("admission rejected")
		return nil, err
	}
	log.Info().Str("module", "auth").Str("user", string(id.UserID)).Int("connections", id.ConnectionCount).Msg("admitted")
	return id, nil
}

func (g *Gatekeeper) authenticate(ctx context.Context, h Handshake) (*domain.AuthenticatedIdentity, error) {
	if !g.limiter.Hit(h.RemoteIP) {
		return nil, domain.NewAuthError(domain.AuthRateLimited, "too many authentication attempts")
	}

	token := h.Token()
	if token == "" {
		return nil, domain.NewAuthError(domain.AuthFailed, "missing token")
	}
	claims, err := g.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	uid := domain.UserID(claims.Subject)

	lookupCtx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
	account, err := g.users.FindAccount(lookupCtx, uid)
	cancel()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil, domain.NewAuthError(domain.AuthUserNotFound, "user not found")
	case err != nil:
		return nil, &domain.AuthenticationError{
			Code:   domain.AuthFailed,
			Reason: "account lookup failed",
			Err:    domain.Transient("find account", err),
		}
	}
	if !account.Usable() {
		return nil, domain.NewAuthError(domain.AuthUserNotFound, "user not found or inactive")
	}
	now := g.clock.Now()
	if account.LockedAt(now) {
		return nil, domain.NewAuthError(domain.AuthFailed, "account locked")
	}

	g.mu.Lock()
	count := g.conns[uid]
	if count >= g.cfg.MaxConnectionsPerUser {
		g.mu.Unlock()
		return nil, domain.NewAuthError(domain.AuthRateLimited, "too many connections")
	}
	count++
	g.conns[uid] = count
	g.mu.Unlock()

	return &domain.AuthenticatedIdentity{
		UserID:            uid,
		Role:              account.Role,
		LastAuthenticated: now,
		ConnectionCount:   count,
	}, nil
}

// ValidateToken checks signature, algorithm, required claims and freshness.
// It touches neither the store nor the limits.
func (g *Gatekeeper) ValidateToken(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := g.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return g.cfg.Secret, nil
	})
	if err != nil {
		return nil, &domain.AuthenticationError{Code: domain.AuthFailed, Reason: "invalid token", Err: err}
	}
	if claims.Subject == "" {
		return nil, domain.NewAuthError(domain.AuthFailed, "token has no subject")
	}
	if err := domain.UserID(claims.Subject).Validate(); err != nil {
		return nil, &domain.AuthenticationError{Code: domain.AuthFailed, Reason: "invalid subject", Err: err}
	}
	if claims.IssuedAt == nil {
		return nil, domain.NewAuthError(domain.AuthFailed, "token has no issue time")
	}
	if age := g.clock.Now().Sub(claims.IssuedAt.Time); age > g.cfg.MaxTokenAge {
		return nil, domain.NewAuthError(domain.AuthFailed, fmt.Sprintf("token too old (%s)", age.Truncate(time.Second)))
	}
	return claims, nil
}

// Release gives back one admission slot of user. Extra calls are ignored.
func (g *Gatekeeper) Release(user domain.UserID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch n := g.conns[user]; {
	case n <= 1:
		delete(g.conns, user)
	default:
		g.conns[user] = n - 1
	}
}

func (g *Gatekeeper) Connections(user domain.UserID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[user]
}

type Stats struct {
	TrackedSources        int                   `json:"tracked_sources"`
	Admissions            map[domain.UserID]int `json:"admissions"`
	MaxAttempts           int                   `json:"max_attempts"`
	AttemptWindow         string                `json:"attempt_window"`
	MaxConnectionsPerUser int                   `json:"max_connections_per_user"`
}

func (g *Gatekeeper) Stats() Stats {
	g.mu.Lock()
	admissions := make(map[domain.UserID]int, len(g.conns))
	for k, v := range g.conns {
		admissions[k] = v
	}
	g.mu.Unlock()
	return Stats{
		TrackedSources:        g.limiter.Len(),
		Admissions:            admissions,
		MaxAttempts:           g.cfg.MaxAttempts,
		AttemptWindow:         g.cfg.AttemptWindow.String(),
		MaxConnectionsPerUser: g.cfg.MaxConnectionsPerUser,
	}
}

// Run purges expired attempt windows until ctx is done.
func (g *Gatekeeper) Run(ctx context.Context) error {
	ticker := g.clock.Ticker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := g.limiter.Sweep(); n > 0 {
				log.Debug().Str("module", "auth").Int("removed", n).Msg("rate limit sweep")
			}
		}
	}
}

// Sweep runs one purge pass immediately.
func (g *Gatekeeper) Sweep() int { return g.limiter.Sweep() }
