package app

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Realtime/internal/core"
	"github.com/dkeye/Realtime/internal/domain"
	"github.com/dkeye/Realtime/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"go.uber.org/multierr"
)

// ConnectedUser is a read-only view of one registered connection.
type ConnectedUser struct {
	UserID       domain.UserID
	TransportID  core.SessionID
	ConnectedAt  time.Time
	LastActivity time.Time
	Rooms        []domain.RoomName
	Identity     domain.AuthenticatedIdentity
}

type sessionEntry struct {
	sid          core.SessionID
	identity     domain.AuthenticatedIdentity
	conn         core.SignalConnection
	cancel       context.CancelFunc
	connectedAt  time.Time
	lastActivity time.Time
	rooms        map[domain.RoomName]struct{}
}

func (e *sessionEntry) view() ConnectedUser {
	return ConnectedUser{
		UserID:       e.identity.UserID,
		TransportID:  e.sid,
		ConnectedAt:  e.connectedAt,
		LastActivity: e.lastActivity,
		Rooms:        lo.Keys(e.rooms),
		Identity:     e.identity,
	}
}

// disconnect closes the transport; safe on an already closed one.
func (e *sessionEntry) disconnect() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.conn != nil {
		e.conn.Close()
	}
}

// Registry tracks live connections. One user has at most one live connection;
// registering a second one evicts the first.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	users    map[domain.UserID]core.SessionID

	rooms  core.RoomBroadcaster
	policy Policy
	clock  clock.Clock
}

func NewRegistry(rooms core.RoomBroadcaster, policy Policy, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		users:    make(map[domain.UserID]core.SessionID),
		rooms:    rooms,
		policy:   policy,
		clock:    clk,
	}
}

// Register stores a freshly admitted connection and joins its personal room.
// It returns the connection it evicted, if any.
func (r *Registry) Register(
	sid core.SessionID,
	conn core.SignalConnection,
	identity domain.AuthenticatedIdentity,
	cancel context.CancelFunc,
) *ConnectedUser {
	now := r.clock.Now()
	uid := identity.UserID

	r.mu.Lock()
	var evicted *sessionEntry
	if oldSID, ok := r.users[uid]; ok && oldSID != sid {
		var err error
		evicted, err = r.removeLocked(oldSID)
		if err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("sid", string(oldSID)).Msg("room cleanup failed during eviction")
		}
	}
	entry := &sessionEntry{
		sid:          sid,
		identity:     identity,
		conn:         conn,
		cancel:       cancel,
		connectedAt:  now,
		lastActivity: now,
		rooms:        make(map[domain.RoomName]struct{}),
	}
	r.sessions[sid] = entry
	r.users[uid] = sid
	personal := domain.UserRoom(uid).Name()
	if err := r.rooms.Join(personal, sid, conn); err != nil {
		log.Error().Err(err).Str("module", "app.registry").Str("sid", string(sid)).Msg("personal room join failed")
	} else {
		entry.rooms[personal] = struct{}{}
	}
	metrics.Connections.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(uid)).Msg("registered connection")

	if evicted == nil {
		return nil
	}
	evicted.disconnect()
	metrics.Evictions.Inc()
	log.Info().Str("module", "app.registry").Str("sid", string(evicted.sid)).Str("user", string(uid)).Msg("evicted previous connection")
	v := evicted.view()
	return &v
}

// Unregister drops every mapping of sid and leaves all its rooms.
// Calling it twice is harmless; the second call returns nil.
func (r *Registry) Unregister(sid core.SessionID) *ConnectedUser {
	r.mu.Lock()
	entry, err := r.removeLocked(sid)
	metrics.Connections.Set(float64(len(r.sessions)))
	r.mu.Unlock()
	if entry == nil {
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("sid", string(sid)).Msg("room cleanup failed during unregister")
	}
	entry.disconnect()
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(entry.identity.UserID)).Msg("unregistered connection")
	v := entry.view()
	return &v
}

// removeLocked must be called with r.mu held. Leave failures are collected,
// never allowed to stop the rest of the cleanup.
func (r *Registry) removeLocked(sid core.SessionID) (*sessionEntry, error) {
	entry, ok := r.sessions[sid]
	if !ok {
		return nil, nil
	}
	delete(r.sessions, sid)
	if cur, ok := r.users[entry.identity.UserID]; ok && cur == sid {
		delete(r.users, entry.identity.UserID)
	}
	var errs error
	for room := range entry.rooms {
		errs = multierr.Append(errs, r.rooms.Leave(room, sid))
	}
	return entry, errs
}

func (r *Registry) SubscribeToRoom(sid core.SessionID, room domain.RoomName) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return &domain.NotFoundError{Kind: "session", ID: string(sid)}
	}
	if _, in := entry.rooms[room]; in {
		return nil
	}
	if err := r.rooms.Join(room, sid, entry.conn); err != nil {
		return err
	}
	entry.rooms[room] = struct{}{}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room)).Msg("subscribed to room")
	return nil
}

func (r *Registry) UnsubscribeFromRoom(sid core.SessionID, room domain.RoomName) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return &domain.NotFoundError{Kind: "session", ID: string(sid)}
	}
	if _, in := entry.rooms[room]; !in {
		return nil
	}
	if err := r.rooms.Leave(room, sid); err != nil {
		return err
	}
	delete(entry.rooms, room)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room)).Msg("unsubscribed from room")
	return nil
}

func (r *Registry) InRoom(sid core.SessionID, room domain.RoomName) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return false
	}
	_, in := entry.rooms[room]
	return in
}

// UserInRoom reports whether user's live connection is subscribed to room.
func (r *Registry) UserInRoom(user domain.UserID, room domain.RoomName) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.users[user]
	if !ok {
		return false
	}
	_, in := r.sessions[sid].rooms[room]
	return in
}

func (r *Registry) Get(sid core.SessionID) (ConnectedUser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return ConnectedUser{}, false
	}
	return entry.view(), true
}

func (r *Registry) UserOf(sid core.SessionID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return "", false
	}
	return entry.identity.UserID, true
}

func (r *Registry) SessionOf(user domain.UserID) (core.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.users[user]
	return sid, ok
}

func (r *Registry) IsOnline(user domain.UserID) bool {
	_, ok := r.SessionOf(user)
	return ok
}

// Touch refreshes the presence timestamp of sid.
func (r *Registry) Touch(sid core.SessionID) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sid]; ok {
		entry.lastActivity = now
	}
}

// Broadcast fans data out to room, skipping except, and applies the
// backpressure policy to members whose buffer was full.
func (r *Registry) Broadcast(room domain.RoomName, except core.SessionID, data core.Frame) core.PublishResult {
	res := r.rooms.Broadcast(room, except, data)
	for _, sid := range res.Dropped {
		r.onDropped(room, sid)
	}
	return res
}

func (r *Registry) SendTo(sid core.SessionID, data core.Frame) error {
	r.mu.RLock()
	entry, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return &domain.NotFoundError{Kind: "session", ID: string(sid)}
	}
	err := entry.conn.TrySend(data)
	if err == core.ErrBackpressure {
		r.onDropped("", sid)
	}
	return err
}

// SendToUser delivers data to the user's live connection.
func (r *Registry) SendToUser(user domain.UserID, data core.Frame) error {
	sid, ok := r.SessionOf(user)
	if !ok {
		return domain.ErrUserOffline
	}
	return r.SendTo(sid, data)
}

func (r *Registry) onDropped(room domain.RoomName, sid core.SessionID) {
	metrics.Dropped.Inc()
	if r.policy == nil {
		return
	}
	switch r.policy.OnBackPressure(room, sid) {
	case KickMember:
		r.mu.RLock()
		entry, ok := r.sessions[sid]
		r.mu.RUnlock()
		if ok {
			log.Warn().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room)).Msg("kicking slow member")
			entry.disconnect()
		}
	case MarkSlow, DropFrame, NoAction:
	}
}

// MembersOfRoom lists the users whose live connection is in room.
func (r *Registry) MembersOfRoom(room domain.RoomName) []domain.UserID {
	sids := r.rooms.Members(room)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(sids))
	for _, sid := range sids {
		if entry, ok := r.sessions[sid]; ok {
			out = append(out, entry.identity.UserID)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

type RegistryStats struct {
	Connections int             `json:"connections"`
	Users       int             `json:"users"`
	Rooms       []core.RoomInfo `json:"rooms"`
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	st := RegistryStats{Connections: len(r.sessions), Users: len(r.users)}
	r.mu.RUnlock()
	st.Rooms = r.rooms.List()
	return st
}
