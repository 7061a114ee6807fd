package signal

import (
	"context"
	"time"

	"github.com/dkeye/Realtime/internal/core"
	"github.com/dkeye/Realtime/internal/domain"
)

func (ctl *SignalWSController) handleWhoAmI(_ context.Context, s *session, _ []byte) error {
	cu, ok := ctl.Orch.Registry.Get(s.sid)
	if !ok {
		return &domain.NotFoundError{Kind: "session", ID: string(s.sid)}
	}
	resp := struct {
		Type        string                `json:"type"`
		UserID      domain.UserID         `json:"userId"`
		Role        domain.Role           `json:"role"`
		SessionID   core.SessionID        `json:"sessionId"`
		Rooms       []domain.RoomName     `json:"rooms"`
		CallStatus  domain.PresenceStatus `json:"callStatus"`
		ConnectedAt time.Time             `json:"connectedAt"`
	}{
		Type:        "whoami",
		UserID:      s.user,
		Role:        s.role,
		SessionID:   s.sid,
		Rooms:       cu.Rooms,
		CallStatus:  ctl.Orch.Signaling.Status(s.user),
		ConnectedAt: cu.ConnectedAt.UTC(),
	}
	ctl.sendJSON(s.conn, resp)
	return nil
}
