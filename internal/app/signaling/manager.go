// Package signaling tracks 1:1 call sessions and multi-party meeting rooms and
// relays their WebRTC negotiation between participants. Media never passes
// through here.
package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Realtime/internal/core"
	"github.com/dkeye/Realtime/internal/domain"
	"github.com/dkeye/Realtime/internal/metrics"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Presence is the part of the connection registry signaling relies on.
type Presence interface {
	IsOnline(user domain.UserID) bool
	SessionOf(user domain.UserID) (core.SessionID, bool)
	SendToUser(user domain.UserID, data core.Frame) error
	SubscribeToRoom(sid core.SessionID, room domain.RoomName) error
	UnsubscribeFromRoom(sid core.SessionID, room domain.RoomName) error
	Broadcast(room domain.RoomName, except core.SessionID, data core.Frame) core.PublishResult
}

type Config struct {
	EndGrace      time.Duration
	RingTimeout   time.Duration
	SweepInterval time.Duration
	ICEServers    []string
	StoreTimeout  time.Duration
}

func (c *Config) withDefaults() {
	if c.EndGrace <= 0 {
		c.EndGrace = 30 * time.Second
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
}

type Manager struct {
	mu sync.Mutex

	calls  map[domain.CallID]*domain.CallSession
	live   map[domain.UserID]domain.CallID
	status map[domain.UserID]domain.PresenceStatus
	timers map[domain.CallID]*clock.Timer

	meetings     map[domain.MeetingID]*domain.MeetingRoom
	userMeetings map[domain.UserID]map[domain.MeetingID]struct{}

	presence   Presence
	store      core.MeetingStore
	clock      clock.Clock
	cfg        Config
	iceServers []webrtc.ICEServer
}

func NewManager(p Presence, store core.MeetingStore, cfg Config, clk clock.Clock) *Manager {
	cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	var ice []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return &Manager{
		calls:        make(map[domain.CallID]*domain.CallSession),
		live:         make(map[domain.UserID]domain.CallID),
		status:       make(map[domain.UserID]domain.PresenceStatus),
		timers:       make(map[domain.CallID]*clock.Timer),
		meetings:     make(map[domain.MeetingID]*domain.MeetingRoom),
		userMeetings: make(map[domain.UserID]map[domain.MeetingID]struct{}),
		presence:     p,
		store:        store,
		clock:        clk,
		cfg:          cfg,
		iceServers:   ice,
	}
}

// Status returns the call availability of user; unknown users are idle.
func (m *Manager) Status(user domain.UserID) domain.PresenceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(user)
}

func (m *Manager) statusLocked(user domain.UserID) domain.PresenceStatus {
	if s, ok := m.status[user]; ok {
		return s
	}
	return domain.StatusIdle
}

func (m *Manager) setStatusLocked(user domain.UserID, s domain.PresenceStatus) {
	if s == domain.StatusIdle {
		delete(m.status, user)
		return
	}
	m.status[user] = s
}

// Call returns a copy of the tracked session.
func (m *Manager) Call(id domain.CallID) (domain.CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return domain.CallSession{}, false
	}
	return *c, true
}

func (m *Manager) MeetingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.meetings)
}

// ICEServers returns the servers handed to call and meeting participants.
func (m *Manager) ICEServers() []webrtc.ICEServer { return m.iceServers }

// Close stops pending removal timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) refreshMetricsLocked() {
	counts := map[domain.CallStatus]int{}
	for _, c := range m.calls {
		counts[c.Status]++
	}
	for _, s := range []domain.CallStatus{domain.CallInitiating, domain.CallRinging, domain.CallActive, domain.CallEnded} {
		metrics.Calls.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	metrics.Meetings.Set(float64(len(m.meetings)))
}

func (m *Manager) sendToUser(user domain.UserID, v any) {
	frame, err := core.EncodeFrame(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signaling").Msg("encode failed")
		return
	}
	if err := m.presence.SendToUser(user, frame); err != nil {
		log.Debug().Err(err).Str("module", "signaling").Str("user", string(user)).Msg("send failed")
	}
}

func (m *Manager) broadcast(room domain.RoomName, except domain.UserID, v any) {
	frame, err := core.EncodeFrame(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signaling").Msg("encode failed")
		return
	}
	var sid core.SessionID
	if except != "" {
		sid, _ = m.presence.SessionOf(except)
	}
	m.presence.Broadcast(room, sid, frame)
}

func (m *Manager) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}

// OnUserGone ends the user's live call and removes them from every meeting.
// Call it only once the user has no live connection left.
func (m *Manager) OnUserGone(ctx context.Context, user domain.UserID) {
	m.mu.Lock()
	callID, inCall := m.live[user]
	meetings := make([]domain.MeetingID, 0, len(m.userMeetings[user]))
	for id := range m.userMeetings[user] {
		meetings = append(meetings, id)
	}
	m.mu.Unlock()

	if inCall {
		if err := m.end(ctx, user, callID, domain.EndDisconnected); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("call", string(callID)).Msg("end on disconnect failed")
		}
	}
	for _, id := range meetings {
		if err := m.LeaveMeeting(ctx, user, id); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("meeting", string(id)).Msg("leave on disconnect failed")
		}
	}
}
