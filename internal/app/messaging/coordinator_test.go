package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Realtime/internal/app"
	"github.com/dkeye/Realtime/internal/core"
	"github.com/dkeye/Realtime/internal/domain"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
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

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f["type"].(string))
	}
	return out
}

func (c *fakeConn) last(typ string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i]["type"] == typ {
			return c.frames[i]
		}
	}
	return nil
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

type fakeStore struct {
	mu            sync.Mutex
	participants  map[string][]core.ConversationMember
	communities   map[string][]domain.UserID
	err           error
	typingUpserts int
	typingDeletes int
	tokens        map[domain.UserID][]string
	pruned        []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		participants: map[string][]core.ConversationMember{},
		communities:  map[string][]domain.UserID{},
		tokens:       map[domain.UserID][]string{},
	}
}

func (s *fakeStore) addMember(conv string, u domain.UserID, notify bool) {
	s.participants[conv] = append(s.participants[conv], core.ConversationMember{UserID: u, Active: true, NotificationsEnabled: notify})
}

func (s *fakeStore) IsConversationParticipant(_ context.Context, conv string, u domain.UserID) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	for _, m := range s.participants[conv] {
		if m.UserID == u && m.Active {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) IsCommunityMember(_ context.Context, id string, u domain.UserID) (bool, error) {
	for _, m := range s.communities[id] {
		if m == u {
			return true, nil
		}
	}
	return false, s.err
}

func (s *fakeStore) CanAccessPost(context.Context, string, domain.UserID) (bool, error) {
	return true, s.err
}

func (s *fakeStore) ConversationMembers(_ context.Context, conv string) ([]core.ConversationMember, error) {
	return s.participants[conv], s.err
}

func (s *fakeStore) UserConversations(_ context.Context, u domain.UserID) ([]string, error) {
	var out []string
	for conv, ms := range s.participants {
		for _, m := range ms {
			if m.UserID == u {
				out = append(out, conv)
			}
		}
	}
	return out, s.err
}

func (s *fakeStore) UpsertTyping(context.Context, string, domain.UserID, time.Time) error {
	s.mu.Lock()
	s.typingUpserts++
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) DeleteTyping(context.Context, string, domain.UserID) error {
	s.mu.Lock()
	s.typingDeletes++
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) DeviceTokens(_ context.Context, u domain.UserID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens[u]...), nil
}

func (s *fakeStore) PruneToken(_ context.Context, _ domain.UserID, tok string) error {
	s.mu.Lock()
	s.pruned = append(s.pruned, tok)
	s.mu.Unlock()
	return nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent map[string]int
	bad  map[string]error
}

func (f *fakeSender) Send(_ context.Context, tok string, _ core.PushPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.bad[tok]; ok {
		return err
	}
	f.sent[tok]++
	return nil
}

type fixture struct {
	reg    *app.Registry
	store  *fakeStore
	sender *fakeSender
	push   *Dispatcher
	coord  *Coordinator
	clock  *clock.Mock
	conns  map[domain.UserID]*fakeConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newFakeStore()
	sender := &fakeSender{sent: map[string]int{}, bad: map[string]error{}}
	push := NewDispatcher(sender, store, 4, time.Second)
	reg := app.NewRegistry(core.NewRoomHub(), app.DropPolicy{}, clk)
	return &fixture{
		reg:    reg,
		store:  store,
		sender: sender,
		push:   push,
		coord:  NewCoordinator(reg, store, push, Config{}, clk),
		clock:  clk,
		conns:  map[domain.UserID]*fakeConn{},
	}
}

func (f *fixture) connect(u domain.UserID) (core.SessionID, *fakeConn) {
	conn := &fakeConn{}
	sid := core.SessionID("sid-" + string(u))
	f.reg.Register(sid, conn, domain.AuthenticatedIdentity{UserID: u}, nil)
	f.conns[u] = conn
	return sid, conn
}

func TestJoinConversationAuthorized(t *testing.T) {
	f := newFixture(t)
	f.store.addMember("c1", "alice", true)
	f.store.addMember("c1", "bob", true)
	aSID, aConn := f.connect("alice")
	bSID, bConn := f.connect("bob")

	require.NoError(t, f.coord.Join(context.Background(), aSID, domain.ConversationRoom("c1")))
	require.NoError(t, f.coord.Join(context.Background(), bSID, domain.ConversationRoom("c1")))

	require.Equal(t, []string{"conversation_joined", "participant_joined"}, aConn.types())
	require.Equal(t, []string{"conversation_joined"}, bConn.types())
	require.Equal(t, "bob", aConn.last("participant_joined")["userId"])
	require.True(t, f.reg.InRoom(aSID, "conversation_c1"))
}

func TestJoinDeniedLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.store.addMember("c1", "alice", true)
	sid, conn := f.connect("mallory")

	err := f.coord.Join(context.Background(), sid, domain.ConversationRoom("c1"))
	var authz *domain.AuthorizationError
	require.ErrorAs(t, err, &authz)
	require.False(t, f.reg.InRoom(sid, "conversation_c1"))
	require.Empty(t, conn.types())

	err = f.coord.Join(context.Background(), sid, domain.UserRoom("alice"))
	require.ErrorAs(t, err, &authz)
}

func TestJoinStoreFailureIsTransient(t *testing.T) {
	f := newFixture(t)
	f.store.err = errors.New("db down")
	sid, _ := f.connect("alice")

	err := f.coord.Join(context.Background(), sid, domain.ConversationRoom("c1"))
	require.Equal(t, domain.CodeUnavailable, domain.Code(err))
	require.False(t, f.reg.InRoom(sid, "conversation_c1"))
}

func TestJoinCommunityAndPostAcks(t *testing.T) {
	f := newFixture(t)
	f.store.communities["g1"] = []domain.UserID{"alice"}
	sid, conn := f.connect("alice")

	require.NoError(t, f.coord.Join(context.Background(), sid, domain.CommunityRoom("g1")))
	require.NoError(t, f.coord.Join(context.Background(), sid, domain.PostRoom("p1")))
	require.NoError(t, f.coord.Leave(context.Background(), sid, domain.PostRoom("p1")))
	require.Equal(t, []string{"community_joined", "post_joined", "post_left"}, conn.types())
	require.ErrorIs(t, f.coord.Join(context.Background(), sid, domain.RoomRef{Kind: "bogus", ID: "x"}), domain.ErrBadRequest)
}

func TestTypingLifecycle(t *testing.T) {
	f := newFixture(t)
	f.store.addMember("c1", "alice", true)
	f.store.addMember("c1", "bob", true)
	aSID, _ := f.connect("alice")
	bSID, bConn := f.connect("bob")
	require.NoError(t, f.coord.Join(context.Background(), aSID, domain.ConversationRoom("c1")))
	require.NoError(t, f.coord.Join(context.Background(), bSID, domain.ConversationRoom("c1")))
	bConn.reset()

	require.NoError(t, f.coord.SetTyping(context.Background(), aSID, "c1", true))
	ind := bConn.last("typing_indicator")
	require.Equal(t, true, ind["isTyping"])
	require.Equal(t, []domain.UserID{"alice"}, f.coord.TypingUsers("c1"))
	require.Equal(t, 1, f.store.typingUpserts)

	// nothing expires before the TTL
	f.clock.Add(4 * time.Minute)
	require.Zero(t, f.coord.SweepTyping(context.Background()))

	f.clock.Add(2 * time.Minute)
	bConn.reset()
	require.Equal(t, 1, f.coord.SweepTyping(context.Background()))
	require.Equal(t, false, bConn.last("typing_indicator")["isTyping"])
	require.Empty(t, f.coord.TypingUsers("c1"))
}

func TestTypingRequiresMembership(t *testing.T) {
	f := newFixture(t)
	sid, _ := f.connect("alice")
	err := f.coord.SetTyping(context.Background(), sid, "c1", true)
	var authz *domain.AuthorizationError
	require.ErrorAs(t, err, &authz)
	require.Zero(t, f.store.typingUpserts)
}

func TestLateJoinerSeesOnlyFreshTyping(t *testing.T) {
	f := newFixture(t)
	for _, u := range []domain.UserID{"alice", "bob", "carol"} {
		f.store.addMember("c1", u, true)
	}
	aSID, _ := f.connect("alice")
	bSID, _ := f.connect("bob")
	cSID, cConn := f.connect("carol")
	require.NoError(t, f.coord.Join(context.Background(), aSID, domain.ConversationRoom("c1")))
	require.NoError(t, f.coord.Join(context.Background(), bSID, domain.ConversationRoom("c1")))

	require.NoError(t, f.coord.SetTyping(context.Background(), aSID, "c1", true))
	f.clock.Add(6 * time.Minute)
	require.NoError(t, f.coord.SetTyping(context.Background(), bSID, "c1", true))

	require.NoError(t, f.coord.Join(context.Background(), cSID, domain.ConversationRoom("c1")))
	joined := cConn.last("conversation_joined")
	require.Equal(t, []any{"bob"}, joined["typingUsers"])
}

func TestMessageSentFansOutAndPushesOffline(t *testing.T) {
	f := newFixture(t)
	f.store.addMember("c1", "alice", true)
	f.store.addMember("c1", "bob", true)
	f.store.addMember("c1", "carol", true)
	f.store.addMember("c1", "dave", false)
	f.store.tokens["carol"] = []string{"carol-phone", "carol-stale"}
	f.store.tokens["dave"] = []string{"dave-phone"}
	f.sender.bad["carol-stale"] = core.ErrInvalidToken

	aSID, aConn := f.connect("alice")
	bSID, bConn := f.connect("bob")
	require.NoError(t, f.coord.Join(context.Background(), aSID, domain.ConversationRoom("c1")))
	require.NoError(t, f.coord.Join(context.Background(), bSID, domain.ConversationRoom("c1")))

	p := domain.MessageSentPayload{MessageID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi"}
	evt, err := domain.NewDomainEvent(domain.EventMessageSent, domain.AggregateMessage, "m1", p, domain.EventMetadata{})
	require.NoError(t, err)
	require.NoError(t, f.coord.OnMessageSent(context.Background(), evt, p))
	f.push.Wait()

	require.NotNil(t, aConn.last("new_message"))
	require.NotNil(t, bConn.last("new_message"))
	require.EqualValues(t, 2, aConn.last("message_delivered")["data"].(map[string]any)["deliveredTo"])

	require.Equal(t, map[string]int{"carol-phone": 1}, f.sender.sent)
	require.Equal(t, []string{"carol-stale"}, f.store.pruned)
}

func TestReactionPushesOnlyAuthor(t *testing.T) {
	f := newFixture(t)
	f.store.addMember("c1", "alice", true)
	f.store.addMember("c1", "bob", true)
	f.store.addMember("c1", "carol", true)
	f.store.tokens["alice"] = []string{"alice-phone"}
	f.store.tokens["carol"] = []string{"carol-phone"}

	p := domain.MessageReactionPayload{MessageID: "m1", ConversationID: "c1", UserID: "bob", AuthorID: "alice", Emoji: "+1"}
	evt, err := domain.NewDomainEvent(domain.EventMessageReaction, domain.AggregateMessage, "m1", p, domain.EventMetadata{})
	require.NoError(t, err)
	require.NoError(t, f.coord.OnMessageReaction(context.Background(), evt, p))
	f.push.Wait()

	require.Equal(t, map[string]int{"alice-phone": 1}, f.sender.sent)
}

func TestPushFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.store.tokens["a"] = []string{"a1"}
	f.store.tokens["b"] = []string{"b1"}
	f.sender.bad["a1"] = errors.New("provider 500")

	var failed []domain.UserID
	var mu sync.Mutex
	f.push.OnError = func(u domain.UserID, _ error) {
		mu.Lock()
		failed = append(failed, u)
		mu.Unlock()
	}
	f.push.Notify("a", core.PushPayload{Title: "x"})
	f.push.Notify("b", core.PushPayload{Title: "x"})
	f.push.Wait()

	require.Equal(t, []domain.UserID{"a"}, failed)
	require.Equal(t, map[string]int{"b1": 1}, f.sender.sent)
}

func TestLeaveConversationClearsTyping(t *testing.T) {
	f := newFixture(t)
	f.store.addMember("c1", "alice", true)
	f.store.addMember("c1", "bob", true)
	aSID, aConn := f.connect("alice")
	bSID, bConn := f.connect("bob")
	require.NoError(t, f.coord.Join(context.Background(), aSID, domain.ConversationRoom("c1")))
	require.NoError(t, f.coord.Join(context.Background(), bSID, domain.ConversationRoom("c1")))
	require.NoError(t, f.coord.SetTyping(context.Background(), aSID, "c1", true))
	bConn.reset()

	require.NoError(t, f.coord.Leave(context.Background(), aSID, domain.ConversationRoom("c1")))
	require.Equal(t, []string{"typing_indicator", "participant_left"}, bConn.types())
	require.NotNil(t, aConn.last("conversation_left"))
	require.False(t, f.reg.InRoom(aSID, "conversation_c1"))

	// leaving twice is harmless
	require.NoError(t, f.coord.Leave(context.Background(), aSID, domain.ConversationRoom("c1")))
}

func TestOnConnectJoinsConversationsAndAnnounces(t *testing.T) {
	f := newFixture(t)
	f.store.addMember("c1", "alice", true)
	f.store.addMember("c1", "bob", true)
	bSID, bConn := f.connect("bob")
	require.NoError(t, f.coord.Join(context.Background(), bSID, domain.ConversationRoom("c1")))
	bConn.reset()

	aSID, _ := f.connect("alice")
	require.NoError(t, f.coord.OnConnect(context.Background(), aSID))
	require.True(t, f.reg.InRoom(aSID, "conversation_c1"))
	require.Equal(t, "online", bConn.last("user_status")["status"])

	gone := f.reg.Unregister(aSID)
	f.coord.OnDisconnect(context.Background(), gone.UserID, gone.Rooms)
	require.Equal(t, "offline", bConn.last("user_status")["status"])
}

func TestTargetedNotificationFallsBackToPush(t *testing.T) {
	f := newFixture(t)
	f.store.tokens["bob"] = []string{"bob-phone"}
	_, aConn := f.connect("alice")

	for _, u := range []domain.UserID{"alice", "bob"} {
		p := domain.NotificationPayload{UserID: u, Title: "t", Message: "m"}
		evt, err := domain.NewDomainEvent("NotificationCreated", domain.AggregateNotification, string(u), p, domain.EventMetadata{})
		require.NoError(t, err)
		require.NoError(t, f.coord.NotifyUser(context.Background(), evt, p))
	}
	f.push.Wait()

	require.NotNil(t, aConn.last("targeted_notification"))
	require.Equal(t, map[string]int{"bob-phone": 1}, f.sender.sent)
}
