package core

import (
	"github.com/dkeye/Realtime/internal/domain"
)

// PublishResult reports delivery stats/backpressure to the caller.
type PublishResult struct {
	SendTo  int
	Dropped []SessionID
}

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"client_count"`
}

// RoomBroadcaster is the join/leave/fan-out capability rooms are built on.
// It owns the membership set but never touches transport lifecycle.
type RoomBroadcaster interface {
	Join(room domain.RoomName, sid SessionID, conn SignalConnection) error
	Leave(room domain.RoomName, sid SessionID) error
	Broadcast(room domain.RoomName, except SessionID, data Frame) PublishResult
	Members(room domain.RoomName) []SessionID
	List() []RoomInfo
}
