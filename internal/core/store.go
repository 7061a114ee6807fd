package core

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Realtime/internal/domain"
)

// UserStore answers admission-time questions about a subject.
// A missing subject is reported as a *domain.NotFoundError.
type UserStore interface {
	FindAccount(ctx context.Context, id domain.UserID) (*domain.Account, error)
}

// ConversationMember is one participant row as seen by push selection.
type ConversationMember struct {
	UserID               domain.UserID `json:"user_id"`
	Active               bool          `json:"active"`
	NotificationsEnabled bool          `json:"notifications_enabled"`
}

type MembershipStore interface {
	IsConversationParticipant(ctx context.Context, conversationID string, user domain.UserID) (bool, error)
	IsCommunityMember(ctx context.Context, communityID string, user domain.UserID) (bool, error)
	CanAccessPost(ctx context.Context, postID string, user domain.UserID) (bool, error)
	ConversationMembers(ctx context.Context, conversationID string) ([]ConversationMember, error)
	// UserConversations lists the active conversations user takes part in.
	UserConversations(ctx context.Context, user domain.UserID) ([]string, error)
}

type MeetingStore interface {
	// FindMeetingAccess returns a *domain.NotFoundError when the meeting does
	// not exist, is not joinable, or user is not one of its parties.
	FindMeetingAccess(ctx context.Context, id domain.MeetingID, user domain.UserID) (*domain.MeetingAccess, error)
	ActiveMeetings(ctx context.Context, user domain.UserID, from, to time.Time) ([]domain.MeetingAccess, error)
	UpdateMeetingStatus(ctx context.Context, id domain.MeetingID, status domain.MeetingRecordStatus) error
	RecordCall(ctx context.Context, call domain.CallSession) error
}

type TypingStore interface {
	UpsertTyping(ctx context.Context, conversationID string, user domain.UserID, at time.Time) error
	DeleteTyping(ctx context.Context, conversationID string, user domain.UserID) error
}

type PushTokenStore interface {
	DeviceTokens(ctx context.Context, user domain.UserID) ([]string, error)
	PruneToken(ctx context.Context, user domain.UserID, token string) error
}

// Store is the whole persistence collaborator.
type Store interface {
	UserStore
	MembershipStore
	MeetingStore
	TypingStore
	PushTokenStore
}

// ErrInvalidToken is returned by a PushSender for a token the provider no longer accepts.
var ErrInvalidToken = errors.New("invalid device token")

type PushPayload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// PushSender hands a payload to the delivery provider. How delivery happens is not our concern.
type PushSender interface {
	Send(ctx context.Context, token string, payload PushPayload) error
}
