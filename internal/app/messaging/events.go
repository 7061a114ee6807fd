package messaging

import (
	"context"
	"time"

	"github.com/dkeye/Realtime/internal/core"
	"github.com/dkeye/Realtime/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

type conversationJoined struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId"`
	TypingUsers    []domain.UserID `json:"typingUsers"`
}

type conversationLeft struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

type communityAck struct {
	Type        string `json:"type"`
	CommunityID string `json:"communityId"`
}

type postAck struct {
	Type   string `json:"type"`
	PostID string `json:"postId"`
}

type roomAckFrame struct {
	Type string          `json:"type"`
	Room domain.RoomName `json:"room"`
}

type participantNotice struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversationId"`
	UserID         domain.UserID `json:"userId"`
	Timestamp      time.Time     `json:"timestamp"`
}

type typingIndicator struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversationId"`
	UserID         domain.UserID `json:"userId"`
	IsTyping       bool          `json:"isTyping"`
}

type userStatus struct {
	Type      string        `json:"type"`
	UserID    domain.UserID `json:"userId"`
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// eventFrame wraps a re-broadcast domain payload.
type eventFrame struct {
	Type      string    `json:"type"`
	EventID   string    `json:"eventId,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *Coordinator) frame(typ string, evt domain.DomainEvent, data any) eventFrame {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = c.clock.Now().UTC()
	}
	return eventFrame{Type: typ, EventID: evt.ID, Data: data, Timestamp: ts}
}

// OnMessageSent fans a new message out to the conversation, confirms
// delivery to the sender and pushes to members who are not watching.
func (c *Coordinator) OnMessageSent(ctx context.Context, evt domain.DomainEvent, p domain.MessageSentPayload) error {
	room := domain.ConversationRoom(p.ConversationID).Name()
	res := c.broadcast(room, "", c.frame("new_message", evt, p))

	if c.typing.Stop(p.ConversationID, p.SenderID) {
		c.dropTyping(ctx, p.ConversationID, p.SenderID)
		c.broadcast(room, "", typingIndicator{Type: "typing_indicator", ConversationID: p.ConversationID, UserID: p.SenderID, IsTyping: false})
	}

	c.broadcast(domain.UserRoom(p.SenderID).Name(), "", c.frame("message_delivered", evt, map[string]any{
		"messageId":      p.MessageID,
		"conversationId": p.ConversationID,
		"deliveredTo":    res.SendTo,
	}))

	users, err := c.pushCandidates(ctx, p.ConversationID, p.SenderID)
	if err != nil {
		return err
	}
	c.pushTo(users, core.PushPayload{
		Title: "New message",
		Body:  preview(p.Content),
		Data: map[string]string{
			"type":           "message",
			"conversationId": p.ConversationID,
			"messageId":      p.MessageID,
		},
	})
	log.Debug().Str("module", "messaging").Str("conversation", p.ConversationID).Int("sent_to", res.SendTo).Int("push", len(users)).Msg("message fanned out")
	return nil
}

func (c *Coordinator) OnMessageUpdated(_ context.Context, evt domain.DomainEvent, p domain.MessageUpdatedPayload) error {
	typ := "message_updated"
	if p.Deleted {
		typ = "message_deleted"
	}
	c.broadcast(domain.ConversationRoom(p.ConversationID).Name(), "", c.frame(typ, evt, p))
	return nil
}

func (c *Coordinator) OnMessageRead(_ context.Context, evt domain.DomainEvent, p domain.MessageReadPayload) error {
	c.broadcast(domain.ConversationRoom(p.ConversationID).Name(), "", c.frame("message_read", evt, p))
	return nil
}

// OnMessageReaction broadcasts the reaction and pushes to the message author
// when they are not watching the conversation.
func (c *Coordinator) OnMessageReaction(ctx context.Context, evt domain.DomainEvent, p domain.MessageReactionPayload) error {
	c.broadcast(domain.ConversationRoom(p.ConversationID).Name(), "", c.frame("message_reaction", evt, p))
	if p.Removed || p.AuthorID == "" || p.AuthorID == p.UserID {
		return nil
	}
	users, err := c.pushCandidates(ctx, p.ConversationID, p.UserID)
	if err != nil {
		return err
	}
	c.pushTo(lo.Filter(users, func(u domain.UserID, _ int) bool { return u == p.AuthorID }), core.PushPayload{
		Title: "New reaction",
		Body:  p.Emoji,
		Data: map[string]string{
			"type":           "reaction",
			"conversationId": p.ConversationID,
			"messageId":      p.MessageID,
		},
	})
	return nil
}

func (c *Coordinator) OnConversationCreated(_ context.Context, evt domain.DomainEvent, p domain.ConversationCreatedPayload) error {
	for _, u := range lo.Uniq(p.ParticipantIDs) {
		c.broadcast(domain.UserRoom(u).Name(), "", c.frame("conversation_created", evt, p))
	}
	return nil
}

func (c *Coordinator) OnParticipantChanged(_ context.Context, evt domain.DomainEvent, p domain.ParticipantChangedPayload) error {
	typ := "participant_joined"
	if evt.Type == domain.EventParticipantLeft {
		typ = "participant_left"
	}
	c.broadcast(domain.ConversationRoom(p.ConversationID).Name(), "", c.frame(typ, evt, p))
	c.broadcast(domain.UserRoom(p.UserID).Name(), "", c.frame(typ, evt, p))
	return nil
}

// OnAppointment notifies both parties of a booking or cancellation and pushes
// to whichever of them is offline.
func (c *Coordinator) OnAppointment(_ context.Context, evt domain.DomainEvent, p domain.AppointmentPayload) error {
	action := "booked"
	if evt.Type == domain.EventAppointmentCanceled {
		action = "cancelled"
	}
	data := map[string]any{"action": action, "appointment": p}
	for _, u := range lo.Compact([]domain.UserID{p.ClientID, p.TherapistID}) {
		c.notifyOrPush(u, c.frame("appointment_notification", evt, data), core.PushPayload{
			Title: "Appointment " + action,
			Body:  p.StartTime.UTC().Format(time.RFC1123),
			Data:  map[string]string{"type": "appointment", "appointmentId": p.AppointmentID},
		})
	}
	return nil
}

func (c *Coordinator) OnPostCreated(_ context.Context, evt domain.DomainEvent, p domain.PostCreatedPayload) error {
	c.broadcast(domain.CommunityRoom(p.CommunityID).Name(), "", c.frame("new_post", evt, p))
	return nil
}

func (c *Coordinator) OnCommentAdded(_ context.Context, evt domain.DomainEvent, p domain.CommentAddedPayload) error {
	c.broadcast(domain.PostRoom(p.PostID).Name(), "", c.frame("new_comment", evt, p))
	return nil
}

func (c *Coordinator) OnUserProfileUpdated(_ context.Context, evt domain.DomainEvent, p domain.UserProfileUpdatedPayload) error {
	c.broadcast(domain.UserRoom(p.UserID).Name(), "", c.frame("user_profile_updated", evt, p))
	return nil
}

// NotifyUser delivers a targeted notification to the user's personal room,
// falling back to push when nobody received it.
func (c *Coordinator) NotifyUser(_ context.Context, evt domain.DomainEvent, p domain.NotificationPayload) error {
	if err := p.UserID.Validate(); err != nil {
		return domain.ErrBadRequest
	}
	c.notifyOrPush(p.UserID, c.frame("targeted_notification", evt, p), core.PushPayload{
		Title: p.Title,
		Body:  p.Message,
		Data:  map[string]string{"type": lo.CoalesceOrEmpty(p.Kind, "notification")},
	})
	return nil
}

func (c *Coordinator) notifyOrPush(user domain.UserID, v any, payload core.PushPayload) {
	if res := c.broadcast(domain.UserRoom(user).Name(), "", v); res.SendTo > 0 {
		return
	}
	c.pushTo([]domain.UserID{user}, payload)
}

func preview(s string) string {
	const limit = 120
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}
