package orch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Realtime/internal/adapters/push"
	"github.com/dkeye/Realtime/internal/adapters/store"
	"github.com/dkeye/Realtime/internal/app"
	"github.com/dkeye/Realtime/internal/app/auth"
	"github.com/dkeye/Realtime/internal/app/eventbus"
	"github.com/dkeye/Realtime/internal/app/messaging"
	"github.com/dkeye/Realtime/internal/app/signaling"
	"github.com/dkeye/Realtime/internal/core"
	"github.com/dkeye/Realtime/internal/domain"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

var secret = []byte("orch-secret")

type recConn struct {
	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func (c *recConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	var m map[string]any
	if err := json.Unmarshal(f, &m); err != nil {
		return err
	}
	c.frames = append(c.frames, m)
	return nil
}

func (c *recConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *recConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recConn) has(typ string) bool {
	return c.find(typ) != nil
}

func (c *recConn) find(typ string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		if f["type"] == typ {
			return f
		}
	}
	return nil
}

type fixture struct {
	o     *Orchestrator
	store *store.BadgerStore
	clock *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	st, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Apply(ctx, store.Fixtures{
		Accounts: []domain.Account{
			{ID: "u1", Role: domain.RoleClient, Active: true},
			{ID: "u2", Role: domain.RoleTherapist, Active: true},
		},
		Conversations: map[string][]core.ConversationMember{
			"c1": {
				{UserID: "u1", Active: true, NotificationsEnabled: true},
				{UserID: "u2", Active: true, NotificationsEnabled: true},
			},
		},
	}))

	reg := app.NewRegistry(core.NewRoomHub(), app.DropPolicy{}, clk)
	dispatcher := messaging.NewDispatcher(push.LogSender{}, st, 2, time.Second)
	t.Cleanup(dispatcher.Wait)

	o := &Orchestrator{
		Registry:  reg,
		Gate:      auth.NewGatekeeper(auth.Config{Secret: secret}, st, clk),
		Bus:       eventbus.New(),
		Messaging: messaging.NewCoordinator(reg, st, dispatcher, messaging.Config{}, clk),
		Signaling: signaling.NewManager(reg, st, signaling.Config{ICEServers: []string{"stun:stun.example.org:3478"}}, clk),
	}
	t.Cleanup(o.Signaling.Close)
	o.BindEvents()
	return &fixture{o: o, store: st, clock: clk}
}

func (f *fixture) token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:  sub,
		IssuedAt: jwt.NewNumericDate(f.clock.Now()),
	}).SignedString(secret)
	require.NoError(t, err)
	return tok
}

func (f *fixture) admit(t *testing.T, sid core.SessionID, user string) *recConn {
	t.Helper()
	conn := &recConn{}
	h := auth.Handshake{Header: "Bearer " + f.token(t, user), RemoteIP: "10.0.0." + string(sid)}
	_, err := f.o.Admit(context.Background(), sid, conn, h, nil)
	require.NoError(t, err)
	return conn
}

func TestAdmitWelcomesAndAutoJoins(t *testing.T) {
	f := newFixture(t)
	c2 := f.admit(t, "2", "u2")
	c1 := f.admit(t, "1", "u1")

	welcome := c1.find("authenticated")
	require.NotNil(t, welcome)
	require.Equal(t, "u1", welcome["userId"])
	require.NotEmpty(t, welcome["iceServers"])
	require.True(t, c1.has("active-meetings"))

	require.True(t, f.o.Registry.InRoom("1", "conversation_c1"))
	status := c2.find("user_status")
	require.NotNil(t, status)
	require.Equal(t, "online", status["status"])
	require.Equal(t, 1, f.o.Gate.Connections("u1"))
}

func TestAdmitRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.Admit(context.Background(), "1", &recConn{}, auth.Handshake{Header: "Bearer junk", RemoteIP: "10.0.0.9"}, nil)
	require.Equal(t, string(domain.AuthFailed), domain.Code(err))
	require.Zero(t, f.o.Registry.Count())
}

func TestEvictionReleasesSlot(t *testing.T) {
	f := newFixture(t)
	first := f.admit(t, "1", "u1")
	f.admit(t, "3", "u1")

	require.True(t, first.isClosed())
	require.Equal(t, 1, f.o.Gate.Connections("u1"))

	// the evicted transport's own disconnect must not release again
	f.o.Disconnect(context.Background(), "1")
	require.Equal(t, 1, f.o.Gate.Connections("u1"))
	require.True(t, f.o.Registry.IsOnline("u1"))
}

func TestDisconnectEndsLiveCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c1 := f.admit(t, "1", "u1")
	c2 := f.admit(t, "2", "u2")

	call, err := f.o.Signaling.Offer(ctx, "u1", signaling.Offer{TargetID: "u2", ConversationID: "c1", SDP: testSDP})
	require.NoError(t, err)
	require.True(t, c2.has("video:incoming-call"))

	f.o.Disconnect(ctx, "1")
	require.False(t, f.o.Registry.IsOnline("u1"))
	require.Zero(t, f.o.Gate.Connections("u1"))

	got, ok := f.o.Signaling.Call(call.ID)
	require.True(t, ok)
	require.True(t, got.Ended())
	require.Equal(t, domain.EndDisconnected, got.EndReason)
	require.Equal(t, domain.StatusIdle, f.o.Signaling.Status("u2"))

	ended := c2.find("video:call-ended")
	require.NotNil(t, ended)
	offline := c2.find("user_status")
	require.NotNil(t, offline)
	require.Equal(t, "offline", offline["status"])
	require.False(t, c1.has("video:call-ended"))

	recorded, err := f.store.FindCall(ctx, call.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CallEnded, recorded.Status)

	f.o.Disconnect(ctx, "1")
}

func TestEventsReachRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c1 := f.admit(t, "1", "u1")
	c2 := f.admit(t, "2", "u2")

	evt, err := domain.NewDomainEvent(domain.EventMessageSent, domain.AggregateMessage, "m1", domain.MessageSentPayload{
		MessageID:      "m1",
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "hello",
	}, domain.EventMetadata{Source: "test"})
	require.NoError(t, err)
	f.o.Bus.Publish(ctx, evt)

	require.True(t, c2.has("new_message"))
	delivered := c1.find("message_delivered")
	require.NotNil(t, delivered)

	note, err := domain.NewDomainEvent("ReminderDue", domain.AggregateNotification, "n1", domain.NotificationPayload{
		UserID: "u2", Title: "Reminder", Message: "Session in 10 minutes",
	}, domain.EventMetadata{})
	require.NoError(t, err)
	f.o.Bus.Publish(ctx, note)
	require.True(t, c2.has("targeted_notification"))
	require.False(t, c1.has("targeted_notification"))

	st := f.o.Stats()
	require.EqualValues(t, 2, st.Events.Published)
	require.Zero(t, st.Events.Failed)
	require.Equal(t, 2, st.Registry.Users)
}

func TestBadPayloadIsIsolated(t *testing.T) {
	f := newFixture(t)
	evt := domain.DomainEvent{ID: "x", Type: domain.EventPostCreated, AggregateType: domain.AggregatePost, Payload: json.RawMessage(`"nope"`)}
	f.o.Bus.Publish(context.Background(), evt)
	require.EqualValues(t, 1, f.o.Bus.Stats().Failed)
}
