package domain

import (
	"errors"
	"fmt"
	"time"
)

type CallID string

type CallStatus string

const (
	CallInitiating CallStatus = "initiating"
	CallRinging    CallStatus = "ringing"
	CallActive     CallStatus = "active"
	CallEnded      CallStatus = "ended"
)

var ErrInvalidTransition = errors.New("invalid call transition")

// callTransitions is the complete set of legal moves; ended is terminal.
var callTransitions = map[CallStatus][]CallStatus{
	CallInitiating: {CallRinging, CallEnded},
	CallRinging:    {CallActive, CallEnded},
	CallActive:     {CallEnded},
}

func CanTransition(from, to CallStatus) bool {
	for _, next := range callTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type CallEndReason string

const (
	EndHangup       CallEndReason = "hangup"
	EndRejected     CallEndReason = "rejected"
	EndNoAnswer     CallEndReason = "no_answer"
	EndDisconnected CallEndReason = "disconnected"
	EndAbandoned    CallEndReason = "abandoned"
)

type CallSession struct {
	ID             CallID        `json:"id"`
	CallerID       UserID        `json:"caller_id"`
	RecipientID    UserID        `json:"recipient_id"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Status         CallStatus    `json:"status"`
	StartTime      time.Time     `json:"start_time"`
	AnsweredAt     *time.Time    `json:"answered_at,omitempty"`
	EndTime        *time.Time    `json:"end_time,omitempty"`
	EndReason      CallEndReason `json:"end_reason,omitempty"`
	EndedBy        UserID        `json:"ended_by,omitempty"`
}

func NewCallSession(id CallID, caller, recipient UserID, at time.Time) *CallSession {
	return &CallSession{
		ID:          id,
		CallerID:    caller,
		RecipientID: recipient,
		Status:      CallInitiating,
		StartTime:   at,
	}
}

// Transition moves the session forward; it never revisits a prior state.
func (c *CallSession) Transition(to CallStatus, at time.Time) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	switch to {
	case CallActive:
		c.AnsweredAt = &at
	case CallEnded:
		c.EndTime = &at
	}
	return nil
}

func (c *CallSession) Ended() bool { return c.Status == CallEnded }

func (c *CallSession) HasParticipant(u UserID) bool {
	return u == c.CallerID || u == c.RecipientID
}

// Peer returns the other side of the call for u.
func (c *CallSession) Peer(u UserID) UserID {
	if u == c.CallerID {
		return c.RecipientID
	}
	return c.CallerID
}
