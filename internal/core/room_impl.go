package core

import (
	"sync"

	"github.com/dkeye/Realtime/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	mu    sync.RWMutex
	bySID map[SessionID]SignalConnection
}

func (r *roomImpl) broadcast(except SessionID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for sid, conn := range r.bySID {
		if sid == except {
			continue
		}
		if err := conn.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, sid)
			continue
		}
		res.SendTo++
	}
	return res
}

// RoomHub is the in-process RoomBroadcaster. Rooms are created on first
// join and dropped when their last member leaves.
type RoomHub struct {
	mu    sync.RWMutex
	rooms map[domain.RoomName]*roomImpl
}

func NewRoomHub() *RoomHub {
	return &RoomHub{rooms: make(map[domain.RoomName]*roomImpl)}
}

func (h *RoomHub) Join(name domain.RoomName, sid SessionID, conn SignalConnection) error {
	h.mu.Lock()
	room, ok := h.rooms[name]
	if !ok {
		room = &roomImpl{bySID: make(map[SessionID]SignalConnection)}
		h.rooms[name] = room
	}
	room.mu.Lock()
	room.bySID[sid] = conn
	room.mu.Unlock()
	h.mu.Unlock()
	log.Debug().Str("module", "core.room").Str("sid", string(sid)).Str("room", string(name)).Msg("member added")
	return nil
}

// Leave is idempotent: leaving a room one is not in is not an error.
func (h *RoomHub) Leave(name domain.RoomName, sid SessionID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[name]
	if !ok {
		return nil
	}
	room.mu.Lock()
	delete(room.bySID, sid)
	empty := len(room.bySID) == 0
	room.mu.Unlock()
	if empty {
		delete(h.rooms, name)
	}
	log.Debug().Str("module", "core.room").Str("sid", string(sid)).Str("room", string(name)).Msg("member removed")
	return nil
}

func (h *RoomHub) Broadcast(name domain.RoomName, except SessionID, data Frame) PublishResult {
	h.mu.RLock()
	room, ok := h.rooms[name]
	h.mu.RUnlock()
	if !ok {
		return PublishResult{}
	}
	res := room.broadcast(except, data)
	log.Debug().Str("module", "core.room").Str("room", string(name)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (h *RoomHub) Members(name domain.RoomName) []SessionID {
	h.mu.RLock()
	room, ok := h.rooms[name]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	out := make([]SessionID, 0, len(room.bySID))
	for sid := range room.bySID {
		out = append(out, sid)
	}
	return out
}

func (h *RoomHub) List() []RoomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]RoomInfo, 0, len(h.rooms))
	for name, r := range h.rooms {
		r.mu.RLock()
		out = append(out, RoomInfo{Name: name, MemberCount: len(r.bySID)})
		r.mu.RUnlock()
	}
	return out
}
