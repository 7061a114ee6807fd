package signaling

import (
	"context"

	"github.com/dkeye/Realtime/internal/domain"
	"github.com/rs/zerolog/log"
)

type staleCall struct {
	id     domain.CallID
	reason domain.CallEndReason
}

type staleParticipant struct {
	meeting domain.MeetingID
	user    domain.UserID
}

// Sweep ends calls that rang too long or lost a participant and drops
// offline meeting participants. It returns how many items it cleaned.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.clock.Now()

	m.mu.Lock()
	var calls []staleCall
	for id, c := range m.calls {
		switch {
		case c.Ended():
		case c.Status == domain.CallRinging && now.Sub(c.StartTime) > m.cfg.RingTimeout:
			calls = append(calls, staleCall{id, domain.EndNoAnswer})
		case !m.presence.IsOnline(c.CallerID) || !m.presence.IsOnline(c.RecipientID):
			calls = append(calls, staleCall{id, domain.EndAbandoned})
		}
	}
	var gone []staleParticipant
	for id, room := range m.meetings {
		for u := range room.Participants {
			if !m.presence.IsOnline(u) {
				gone = append(gone, staleParticipant{id, u})
			}
		}
	}
	m.mu.Unlock()

	for _, c := range calls {
		if err := m.end(ctx, "", c.id, c.reason); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("call", string(c.id)).Msg("sweep end failed")
		}
	}
	for _, p := range gone {
		if err := m.LeaveMeeting(ctx, p.user, p.meeting); err != nil {
			log.Debug().Err(err).Str("module", "signaling").Str("meeting", string(p.meeting)).Msg("sweep leave skipped")
		}
	}
	if n := len(calls) + len(gone); n > 0 {
		log.Info().Str("module", "signaling").Int("calls", len(calls)).Int("participants", len(gone)).Msg("signaling sweep")
		return n
	}
	return 0
}

// Run sweeps periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.clock.Ticker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
