package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Realtime/internal/core"
	"github.com/dkeye/Realtime/internal/domain"
	"github.com/stretchr/testify/require"
)

type testConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *testConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *testConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *testConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *testConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// failingHub refuses to leave one room to exercise cleanup aggregation.
type failingHub struct {
	*core.RoomHub
	bad domain.RoomName
}

func (h failingHub) Leave(room domain.RoomName, sid core.SessionID) error {
	_ = h.RoomHub.Leave(room, sid)
	if room == h.bad {
		return context.DeadlineExceeded
	}
	return nil
}

func identity(u domain.UserID) domain.AuthenticatedIdentity {
	return domain.AuthenticatedIdentity{UserID: u, Role: domain.RoleClient}
}

func TestRegisterJoinsPersonalRoom(t *testing.T) {
	reg := NewRegistry(core.NewRoomHub(), SimplePolicy{}, clock.NewMock())
	conn := &testConn{}
	require.Nil(t, reg.Register("s1", conn, identity("u1"), nil))

	require.True(t, reg.IsOnline("u1"))
	require.True(t, reg.InRoom("s1", "user_u1"))
	sid, ok := reg.SessionOf("u1")
	require.True(t, ok)
	require.Equal(t, core.SessionID("s1"), sid)

	require.NoError(t, reg.SendToUser("u1", core.Frame(`{"type":"x"}`)))
	require.Equal(t, 1, conn.received())
	require.ErrorIs(t, reg.SendToUser("nobody", nil), domain.ErrUserOffline)
}

func TestSecondConnectionEvictsFirst(t *testing.T) {
	reg := NewRegistry(core.NewRoomHub(), SimplePolicy{}, clock.NewMock())
	old := &testConn{}
	cancelled := false
	reg.Register("s1", old, identity("u1"), func() { cancelled = true })
	require.NoError(t, reg.SubscribeToRoom("s1", "conversation_c1"))

	fresh := &testConn{}
	evicted := reg.Register("s2", fresh, identity("u1"), nil)
	require.NotNil(t, evicted)
	require.Equal(t, core.SessionID("s1"), evicted.TransportID)
	require.ElementsMatch(t, []domain.RoomName{"user_u1", "conversation_c1"}, evicted.Rooms)
	require.True(t, old.isClosed())
	require.True(t, cancelled)

	sid, _ := reg.SessionOf("u1")
	require.Equal(t, core.SessionID("s2"), sid)
	require.False(t, reg.InRoom("s1", "conversation_c1"))
	require.Equal(t, []domain.UserID{"u1"}, reg.MembersOfRoom("user_u1"))
	require.Equal(t, 1, reg.Count())

	// the stale transport disconnecting later must not drop the new one
	require.Nil(t, reg.Unregister("s1"))
	require.True(t, reg.IsOnline("u1"))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	hub := failingHub{RoomHub: core.NewRoomHub(), bad: "post_p1"}
	reg := NewRegistry(hub, SimplePolicy{}, clock.NewMock())
	reg.Register("s1", &testConn{}, identity("u1"), nil)
	require.NoError(t, reg.SubscribeToRoom("s1", "post_p1"))
	require.NoError(t, reg.SubscribeToRoom("s1", "community_g1"))

	gone := reg.Unregister("s1")
	require.NotNil(t, gone)
	require.Len(t, gone.Rooms, 3)
	require.False(t, reg.IsOnline("u1"))
	require.Empty(t, hub.List())

	require.Nil(t, reg.Unregister("s1"))
}

func TestSubscribeUnknownSession(t *testing.T) {
	reg := NewRegistry(core.NewRoomHub(), SimplePolicy{}, clock.NewMock())
	require.ErrorIs(t, reg.SubscribeToRoom("ghost", "post_p1"), domain.ErrNotFound)
	require.ErrorIs(t, reg.UnsubscribeFromRoom("ghost", "post_p1"), domain.ErrNotFound)
}

func TestBroadcastKicksSlowMember(t *testing.T) {
	reg := NewRegistry(core.NewRoomHub(), SimplePolicy{}, clock.NewMock())
	fast, slow := &testConn{}, &testConn{full: true}
	reg.Register("s1", fast, identity("u1"), nil)
	reg.Register("s2", slow, identity("u2"), nil)
	require.NoError(t, reg.SubscribeToRoom("s1", "community_g1"))
	require.NoError(t, reg.SubscribeToRoom("s2", "community_g1"))

	res := reg.Broadcast("community_g1", "", core.Frame(`{}`))
	require.Equal(t, 1, res.SendTo)
	require.Equal(t, []core.SessionID{"s2"}, res.Dropped)
	require.True(t, slow.isClosed())
	require.False(t, fast.isClosed())

	res = reg.Broadcast("community_g1", "s1", core.Frame(`{}`))
	require.Zero(t, res.SendTo)
}

func TestDropPolicyKeepsSlowMember(t *testing.T) {
	reg := NewRegistry(core.NewRoomHub(), DropPolicy{}, clock.NewMock())
	slow := &testConn{full: true}
	reg.Register("s1", slow, identity("u1"), nil)
	reg.Broadcast("user_u1", "", core.Frame(`{}`))
	require.False(t, slow.isClosed())
}

func TestTouchAndStats(t *testing.T) {
	clk := clock.NewMock()
	reg := NewRegistry(core.NewRoomHub(), SimplePolicy{}, clk)
	reg.Register("s1", &testConn{}, identity("u1"), nil)

	clk.Add(time.Minute)
	reg.Touch("s1")
	cu, ok := reg.Get("s1")
	require.True(t, ok)
	require.Equal(t, time.Minute, cu.LastActivity.Sub(cu.ConnectedAt))

	st := reg.Stats()
	require.Equal(t, 1, st.Connections)
	require.Equal(t, 1, st.Users)
	require.Len(t, st.Rooms, 1)
}

func TestConcurrentRegisterKeepsOneSessionPerUser(t *testing.T) {
	reg := NewRegistry(core.NewRoomHub(), SimplePolicy{}, clock.NewMock())
	users := []domain.UserID{"u1", "u2", "u3"}

	var conns sync.Map
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				uid := users[(w+i)%len(users)]
				sid := core.SessionID(fmt.Sprintf("%s-%d-%d", uid, w, i))
				conn := &testConn{}
				conns.Store(sid, conn)
				reg.Register(sid, conn, identity(uid), nil)
				if i%3 == 0 {
					reg.Unregister(sid)
				}
			}
		}()
	}
	wg.Wait()

	st := reg.Stats()
	require.Equal(t, st.Users, st.Connections)

	live := map[core.SessionID]bool{}
	for _, uid := range users {
		sid, ok := reg.SessionOf(uid)
		if !ok {
			require.Empty(t, reg.rooms.Members(domain.UserRoom(uid).Name()))
			continue
		}
		live[sid] = true
		got, ok := reg.UserOf(sid)
		require.True(t, ok)
		require.Equal(t, uid, got)
		require.Equal(t, []core.SessionID{sid}, reg.rooms.Members(domain.UserRoom(uid).Name()))
	}
	conns.Range(func(k, v any) bool {
		require.Equal(t, !live[k.(core.SessionID)], v.(*testConn).isClosed(), "session %s", k)
		return true
	})
}
