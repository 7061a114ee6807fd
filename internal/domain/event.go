package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type EventType string

// Known event types produced by the business-logic services.
const (
	EventMessageSent         EventType = "MessageSentEvent"
	EventMessageUpdated      EventType = "MessageUpdatedEvent"
	EventMessageRead         EventType = "MessageReadEvent"
	EventMessageReaction     EventType = "MessageReactionEvent"
	EventConversationCreated EventType = "ConversationCreatedEvent"
	EventParticipantJoined   EventType = "ParticipantJoinedEvent"
	EventParticipantLeft     EventType = "ParticipantLeftEvent"
	EventAppointmentBooked   EventType = "AppointmentBookedEvent"
	EventAppointmentCanceled EventType = "AppointmentCancelledEvent"
	EventUserProfileUpdated  EventType = "UserProfileUpdatedEvent"
	EventPostCreated         EventType = "PostCreatedEvent"
	EventCommentAdded        EventType = "CommentAddedEvent"
)

const (
	AggregateMessage      = "Message"
	AggregateConversation = "Conversation"
	AggregateAppointment  = "Appointment"
	AggregateUser         = "User"
	AggregatePost         = "Post"
	AggregateNotification = "Notification"
)

// Known reports whether t is one of the event types declared above.
func (t EventType) Known() bool {
	switch t {
	case EventMessageSent, EventMessageUpdated, EventMessageRead, EventMessageReaction,
		EventConversationCreated, EventParticipantJoined, EventParticipantLeft,
		EventAppointmentBooked, EventAppointmentCanceled, EventUserProfileUpdated,
		EventPostCreated, EventCommentAdded:
		return true
	}
	return false
}

var ErrEventType = errors.New("event type empty")

type EventMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	UserID        UserID `json:"user_id,omitempty"`
	Source        string `json:"source,omitempty"`
}

// DomainEvent is an immutable record of something that happened in business logic.
type DomainEvent struct {
	ID            string          `json:"event_id"`
	Type          EventType       `json:"event_type" validate:"required"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      EventMetadata   `json:"metadata"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
}

func NewDomainEvent(t EventType, aggregateType, aggregateID string, payload any, meta EventMetadata) (DomainEvent, error) {
	if t == "" {
		return DomainEvent{}, ErrEventType
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return DomainEvent{
		ID:            uuid.NewString(),
		Type:          t,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       raw,
		Metadata:      meta,
		Timestamp:     time.Now().UTC(),
		Version:       1,
	}, nil
}

func (e DomainEvent) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Payload shapes of the event types this core re-broadcasts.

type MessageSentPayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	SenderID       UserID    `json:"senderId"`
	Content        string    `json:"content"`
	MessageType    string    `json:"messageType"`
	SentAt         time.Time `json:"sentAt"`
	RecipientIDs   []UserID  `json:"recipientIds"`
}

type MessageUpdatedPayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	EditorID       UserID    `json:"editorId"`
	Content        string    `json:"content"`
	Deleted        bool      `json:"deleted"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type MessageReadPayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	ReaderID       UserID    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

type MessageReactionPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         UserID `json:"userId"`
	AuthorID       UserID `json:"authorId"`
	Emoji          string `json:"emoji"`
	Removed        bool   `json:"removed"`
}

type ConversationCreatedPayload struct {
	ConversationID string   `json:"conversationId"`
	CreatedBy      UserID   `json:"createdBy"`
	ParticipantIDs []UserID `json:"participantIds"`
	Title          string   `json:"title,omitempty"`
}

type ParticipantChangedPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         UserID `json:"userId"`
}

type AppointmentPayload struct {
	AppointmentID string    `json:"appointmentId"`
	ClientID      UserID    `json:"clientId"`
	TherapistID   UserID    `json:"therapistId"`
	StartTime     time.Time `json:"startTime"`
	Reason        string    `json:"reason,omitempty"`
}

type UserProfileUpdatedPayload struct {
	UserID        UserID   `json:"userId"`
	UpdatedFields []string `json:"updatedFields"`
}

type PostCreatedPayload struct {
	PostID      string `json:"postId"`
	CommunityID string `json:"communityId"`
	AuthorID    UserID `json:"authorId"`
	Title       string `json:"title"`
}

type CommentAddedPayload struct {
	CommentID string `json:"commentId"`
	PostID    string `json:"postId"`
	AuthorID  UserID `json:"authorId"`
	Content   string `json:"content"`
}

type NotificationPayload struct {
	UserID  UserID `json:"userId"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}
