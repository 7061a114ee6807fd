package signaling

import (
	"time"

	"github.com/dkeye/Realtime/internal/domain"
	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
)

type callInitiated struct {
	Type       string             `json:"type"`
	CallID     domain.CallID      `json:"callId"`
	TargetID   domain.UserID      `json:"targetId"`
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`
}

type incomingCall struct {
	Type           string             `json:"type"`
	CallID         domain.CallID      `json:"callId"`
	CallerID       domain.UserID      `json:"callerId"`
	ConversationID string             `json:"conversationId,omitempty"`
	CallType       string             `json:"callType,omitempty"`
	SDP            string             `json:"sdp"`
	ICEServers     []webrtc.ICEServer `json:"iceServers,omitempty"`
}

type callAnswered struct {
	Type   string        `json:"type"`
	CallID domain.CallID `json:"callId"`
	SDP    string        `json:"sdp"`
}

type iceCandidate struct {
	Type      string          `json:"type"`
	CallID    domain.CallID   `json:"callId"`
	From      domain.UserID   `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

type callEnded struct {
	Type     string               `json:"type"`
	CallID   domain.CallID        `json:"callId"`
	EndedBy  domain.UserID        `json:"endedBy,omitempty"`
	Reason   domain.CallEndReason `json:"reason"`
	Duration float64              `json:"duration"`
}

type meetingJoined struct {
	Type         string                    `json:"type"`
	MeetingID    domain.MeetingID          `json:"meetingId"`
	Status       domain.MeetingStatus      `json:"status"`
	HostID       domain.UserID             `json:"hostId"`
	Participants []*domain.ParticipantInfo `json:"participants"`
	ICEServers   []webrtc.ICEServer        `json:"iceServers,omitempty"`
}

type participantFrame struct {
	Type        string                  `json:"type"`
	MeetingID   domain.MeetingID        `json:"meetingId"`
	UserID      domain.UserID           `json:"userId"`
	Participant *domain.ParticipantInfo `json:"participant,omitempty"`
	Ready       *bool                   `json:"isReady,omitempty"`
	Timestamp   time.Time               `json:"timestamp"`
}

type mediaChanged struct {
	Type      string             `json:"type"`
	MeetingID domain.MeetingID   `json:"meetingId"`
	UserID    domain.UserID      `json:"userId"`
	Media     domain.MediaKind   `json:"mediaType"`
	Enabled   bool               `json:"enabled"`
	Status    domain.MediaStatus `json:"mediaStatus"`
}

type meetingStatus struct {
	Type      string               `json:"type"`
	MeetingID domain.MeetingID     `json:"meetingId"`
	Status    domain.MeetingStatus `json:"status"`
	By        domain.UserID        `json:"by,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

type chatMessage struct {
	Type      string           `json:"type"`
	ID        string           `json:"id"`
	MeetingID domain.MeetingID `json:"meetingId"`
	UserID    domain.UserID    `json:"userId"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
}

type webrtcSignal struct {
	Type       string           `json:"type"`
	MeetingID  domain.MeetingID `json:"meetingId"`
	From       domain.UserID    `json:"from"`
	SignalType string           `json:"signalType"`
	Data       json.RawMessage  `json:"data"`
}

// MeetingSummary is one entry of the active-meetings list.
type MeetingSummary struct {
	ID               domain.MeetingID           `json:"id"`
	Title            string                     `json:"title"`
	StartTime        time.Time                  `json:"startTime"`
	Duration         time.Duration              `json:"duration"`
	Status           domain.MeetingRecordStatus `json:"status"`
	IsActive         bool                       `json:"isActive"`
	ParticipantCount int                        `json:"participantCount"`
}
