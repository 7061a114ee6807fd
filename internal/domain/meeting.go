package domain

import (
	"time"

	"github.com/samber/lo"
)

type MeetingID string

type MeetingStatus string

const (
	MeetingWaiting MeetingStatus = "waiting"
	MeetingActive  MeetingStatus = "active"
	MeetingEnded   MeetingStatus = "ended"
)

// MeetingRecordStatus is the status written back to the meeting store.
type MeetingRecordStatus string

const (
	MeetingRecordScheduled  MeetingRecordStatus = "SCHEDULED"
	MeetingRecordConfirmed  MeetingRecordStatus = "CONFIRMED"
	MeetingRecordInProgress MeetingRecordStatus = "IN_PROGRESS"
	MeetingRecordCompleted  MeetingRecordStatus = "COMPLETED"
	MeetingRecordCancelled  MeetingRecordStatus = "CANCELLED"
)

// Joinable reports whether a meeting record still accepts participants.
func (s MeetingRecordStatus) Joinable() bool {
	switch s {
	case MeetingRecordScheduled, MeetingRecordConfirmed, MeetingRecordInProgress:
		return true
	}
	return false
}

type MediaKind string

const (
	MediaVideo  MediaKind = "video"
	MediaAudio  MediaKind = "audio"
	MediaScreen MediaKind = "screen"
)

type MediaStatus struct {
	Video  bool `json:"video"`
	Audio  bool `json:"audio"`
	Screen bool `json:"screen"`
}

func (m *MediaStatus) Set(kind MediaKind, enabled bool) bool {
	switch kind {
	case MediaVideo:
		m.Video = enabled
	case MediaAudio:
		m.Audio = enabled
	case MediaScreen:
		m.Screen = enabled
	default:
		return false
	}
	return true
}

// ParticipantInfo is a user's participation meta for a meeting room.
// No transport or lifecycle logic here.
type ParticipantInfo struct {
	UserID   UserID      `json:"user_id"`
	Role     Role        `json:"role"`
	JoinedAt time.Time   `json:"joined_at"`
	Ready    bool        `json:"is_ready"`
	Media    MediaStatus `json:"media_status"`
}

// MeetingAccess is the store's answer to "may this user join this meeting".
type MeetingAccess struct {
	MeetingID MeetingID           `json:"meeting_id"`
	Title     string              `json:"title"`
	HostID    UserID              `json:"host_id"`
	Role      Role                `json:"role"`
	Status    MeetingRecordStatus `json:"status"`
	StartTime time.Time           `json:"start_time"`
	Duration  time.Duration       `json:"duration"`
}

type MeetingRoom struct {
	ID           MeetingID                   `json:"id"`
	Participants map[UserID]*ParticipantInfo `json:"participants"`
	Status       MeetingStatus               `json:"status"`
	HostID       UserID                      `json:"host_id"`
	StartTime    time.Time                   `json:"start_time"`
}

func NewMeetingRoom(id MeetingID, host UserID, at time.Time) *MeetingRoom {
	return &MeetingRoom{
		ID:           id,
		Participants: make(map[UserID]*ParticipantInfo),
		Status:       MeetingWaiting,
		HostID:       host,
		StartTime:    at,
	}
}

func (m *MeetingRoom) AllReady() bool {
	if len(m.Participants) == 0 {
		return false
	}
	return lo.EveryBy(lo.Values(m.Participants), func(p *ParticipantInfo) bool { return p.Ready })
}

func (m *MeetingRoom) ParticipantIDs() []UserID {
	return lo.Keys(m.Participants)
}

// Snapshot returns a deep copy safe to hand out of the owning lock.
func (m *MeetingRoom) Snapshot() MeetingRoom {
	cp := *m
	cp.Participants = make(map[UserID]*ParticipantInfo, len(m.Participants))
	for id, p := range m.Participants {
		pc := *p
		cp.Participants[id] = &pc
	}
	return cp
}

type MeetingAction string

const (
	ActionStart  MeetingAction = "start"
	ActionEnd    MeetingAction = "end"
	ActionPause  MeetingAction = "pause"
	ActionRecord MeetingAction = "record"
)
