package orch

import (
	"context"

	"github.com/dkeye/Realtime/internal/app/eventbus"
	"github.com/dkeye/Realtime/internal/domain"
	"github.com/rs/zerolog/log"
)

// decoded adapts a typed handler to the bus by decoding the payload first.
func decoded[T any](fn func(context.Context, domain.DomainEvent, T) error) eventbus.Handler {
	return func(ctx context.Context, evt domain.DomainEvent) error {
		var p T
		if err := evt.Decode(&p); err != nil {
			return err
		}
		return fn(ctx, evt, p)
	}
}

type binding struct {
	pattern string
	handler eventbus.Handler
}

func (o *Orchestrator) bindings() []binding {
	m := o.Messaging
	return []binding{
		{string(domain.EventMessageSent), decoded(m.OnMessageSent)},
		{string(domain.EventMessageUpdated), decoded(m.OnMessageUpdated)},
		{string(domain.EventMessageRead), decoded(m.OnMessageRead)},
		{string(domain.EventMessageReaction), decoded(m.OnMessageReaction)},
		{string(domain.EventConversationCreated), decoded(m.OnConversationCreated)},
		{string(domain.EventParticipantJoined), decoded(m.OnParticipantChanged)},
		{string(domain.EventParticipantLeft), decoded(m.OnParticipantChanged)},
		{string(domain.EventAppointmentBooked), decoded(m.OnAppointment)},
		{string(domain.EventAppointmentCanceled), decoded(m.OnAppointment)},
		{string(domain.EventPostCreated), decoded(m.OnPostCreated)},
		{string(domain.EventCommentAdded), decoded(m.OnCommentAdded)},
		{string(domain.EventUserProfileUpdated), decoded(m.OnUserProfileUpdated)},
		{domain.AggregateNotification + ".*", decoded(m.NotifyUser)},
		{eventbus.Wildcard, traceEvent},
	}
}

// BindEvents subscribes the messaging coordinator to every event kind it
// re-broadcasts and returns the subscriptions.
func (o *Orchestrator) BindEvents() []eventbus.Subscription {
	table := o.bindings()
	subs := make([]eventbus.Subscription, 0, len(table))
	for _, b := range table {
		subs = append(subs, o.Bus.MustSubscribe(b.pattern, b.handler))
	}
	log.Info().Str("module", "orch").Int("subscriptions", len(subs)).Msg("event handlers bound")
	return subs
}

func traceEvent(_ context.Context, evt domain.DomainEvent) error {
	log.Debug().Str("module", "orch").
		Str("event", string(evt.Type)).
		Str("aggregate", evt.AggregateType).
		Str("id", evt.AggregateID).
		Str("correlation", evt.Metadata.CorrelationID).
		Msg("event")
	return nil
}
