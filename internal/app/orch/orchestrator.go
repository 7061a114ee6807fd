package orch

import (
	"context"
	"time"

	"github.com/dkeye/Realtime/internal/app"
	"github.com/dkeye/Realtime/internal/app/auth"
	"github.com/dkeye/Realtime/internal/app/eventbus"
	"github.com/dkeye/Realtime/internal/app/messaging"
	"github.com/dkeye/Realtime/internal/app/signaling"
	"github.com/dkeye/Realtime/internal/core"
	"github.com/dkeye/Realtime/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Orchestrator ties a connection's lifecycle to every component that keeps
// per-user state.
type Orchestrator struct {
	Registry  *app.Registry
	Gate      *auth.Gatekeeper
	Bus       *eventbus.Bus
	Messaging *messaging.Coordinator
	Signaling *signaling.Manager
}

type authenticated struct {
	Type       string             `json:"type"`
	UserID     domain.UserID      `json:"userId"`
	Role       domain.Role        `json:"role"`
	SessionID  core.SessionID     `json:"sessionId"`
	IceServers []webrtc.ICEServer `json:"iceServers"`
	Timestamp  time.Time          `json:"timestamp"`
}

type activeMeetings struct {
	Type     string                     `json:"type"`
	Meetings []signaling.MeetingSummary `json:"meetings"`
}

// Admit authenticates a handshake and registers the transport under the
// resulting identity. A previous connection of the same user is evicted and
// its admission slot released.
func (o *Orchestrator) Admit(
	ctx context.Context,
	sid core.SessionID,
	conn core.SignalConnection,
	h auth.Handshake,
	cancel context.CancelFunc,
) (*domain.AuthenticatedIdentity, error) {
	id, err := o.Gate.Authenticate(ctx, h)
	if err != nil {
		return nil, err
	}
	if evicted := o.Registry.Register(sid, conn, *id, cancel); evicted != nil {
		o.Gate.Release(evicted.UserID)
		log.Info().Str("module", "orch").Str("user", string(id.UserID)).Str("evicted", string(evicted.TransportID)).Msg("previous connection replaced")
	}

	_ = o.Registry.SendTo(sid, core.MustFrame(authenticated{
		Type:       "authenticated",
		UserID:     id.UserID,
		Role:       id.Role,
		SessionID:  sid,
		IceServers: o.Signaling.ICEServers(),
		Timestamp:  id.LastAuthenticated.UTC(),
	}))

	if err := o.Messaging.OnConnect(ctx, sid); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("conversation auto-join failed")
	}
	meetings, err := o.Signaling.ActiveMeetings(ctx, id.UserID)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("user", string(id.UserID)).Msg("active meetings lookup failed")
	} else {
		_ = o.Registry.SendTo(sid, core.MustFrame(activeMeetings{Type: "active-meetings", Meetings: meetings}))
	}
	return id, nil
}

// Disconnect runs the full cleanup for a closed transport. It is safe to call
// more than once and for transports that never authenticated.
func (o *Orchestrator) Disconnect(ctx context.Context, sid core.SessionID) {
	gone := o.Registry.Unregister(sid)
	if gone == nil {
		return
	}
	o.Gate.Release(gone.UserID)
	if !o.Registry.IsOnline(gone.UserID) {
		o.Signaling.OnUserGone(ctx, gone.UserID)
	}
	o.Messaging.OnDisconnect(ctx, gone.UserID, gone.Rooms)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("user", string(gone.UserID)).
		Dur("connected", time.Since(gone.ConnectedAt)).Msg("disconnected")
}

type Stats struct {
	Registry app.RegistryStats `json:"registry"`
	Auth     auth.Stats        `json:"auth"`
	Events   eventbus.Stats    `json:"events"`
	Meetings int               `json:"meetings"`
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Registry: o.Registry.Stats(),
		Auth:     o.Gate.Stats(),
		Events:   o.Bus.Stats(),
		Meetings: o.Signaling.MeetingCount(),
	}
}

// Runners lists the periodic sweep loops of every component.
func (o *Orchestrator) Runners() []func(context.Context) error {
	return []func(context.Context) error{
		o.Gate.Run,
		o.Messaging.Run,
		o.Signaling.Run,
	}
}
