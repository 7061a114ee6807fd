package signaling

import (
	"context"
	"fmt"

	"github.com/dkeye/Realtime/internal/domain"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Offer struct {
	TargetID       domain.UserID
	ConversationID string
	CallType       string
	SDP            string
}

func validateSDP(kind webrtc.SDPType, raw string) error {
	desc := webrtc.SessionDescription{Type: kind, SDP: raw}
	if _, err := desc.Unmarshal(); err != nil {
		return fmt.Errorf("%w: %s sdp: %v", domain.ErrBadRequest, kind, err)
	}
	return nil
}

// Offer opens a ringing call from caller to the target. Both parties must be
// idle and the target online; otherwise no session is created.
func (m *Manager) Offer(_ context.Context, caller domain.UserID, o Offer) (domain.CallSession, error) {
	if o.TargetID == "" || o.TargetID == caller {
		return domain.CallSession{}, fmt.Errorf("%w: invalid call target", domain.ErrBadRequest)
	}
	if err := validateSDP(webrtc.SDPTypeOffer, o.SDP); err != nil {
		return domain.CallSession{}, err
	}
	if !m.presence.IsOnline(o.TargetID) {
		return domain.CallSession{}, domain.ErrUserOffline
	}

	now := m.clock.Now()
	m.mu.Lock()
	if m.statusLocked(caller) != domain.StatusIdle || m.statusLocked(o.TargetID) != domain.StatusIdle {
		m.mu.Unlock()
		log.Info().Str("module", "signaling").Str("caller", string(caller)).Str("target", string(o.TargetID)).Msg("call refused: busy")
		return domain.CallSession{}, domain.ErrBusy
	}
	call := domain.NewCallSession(domain.CallID(uuid.NewString()), caller, o.TargetID, now)
	call.ConversationID = o.ConversationID
	if err := call.Transition(domain.CallRinging, now); err != nil {
		m.mu.Unlock()
		return domain.CallSession{}, err
	}
	m.calls[call.ID] = call
	m.live[caller] = call.ID
	m.live[o.TargetID] = call.ID
	m.setStatusLocked(caller, domain.StatusRinging)
	m.setStatusLocked(o.TargetID, domain.StatusRinging)
	m.refreshMetricsLocked()
	snap := *call
	m.mu.Unlock()

	log.Info().Str("module", "signaling").Str("call", string(snap.ID)).Str("caller", string(caller)).Str("target", string(o.TargetID)).Msg("call ringing")
	m.sendToUser(o.TargetID, incomingCall{
		Type:           "video:incoming-call",
		CallID:         snap.ID,
		CallerID:       caller,
		ConversationID: snap.ConversationID,
		CallType:       o.CallType,
		SDP:            o.SDP,
		ICEServers:     m.iceServers,
	})
	m.sendToUser(caller, callInitiated{
		Type:       "video:call-initiated",
		CallID:     snap.ID,
		TargetID:   o.TargetID,
		ICEServers: m.iceServers,
	})
	return snap, nil
}

// Answer accepts a ringing call on behalf of its recipient.
func (m *Manager) Answer(_ context.Context, user domain.UserID, id domain.CallID, sdp string) error {
	if err := validateSDP(webrtc.SDPTypeAnswer, sdp); err != nil {
		return err
	}
	now := m.clock.Now()
	m.mu.Lock()
	call, err := m.liveCallLocked(user, id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if call.RecipientID != user {
		m.mu.Unlock()
		return &domain.AuthorizationError{UserID: user, Resource: "call " + string(id), Reason: "only the recipient may answer"}
	}
	if call.Status != domain.CallRinging {
		m.mu.Unlock()
		return fmt.Errorf("%w: call is %s", domain.ErrInvalidState, call.Status)
	}
	if err := call.Transition(domain.CallActive, now); err != nil {
		m.mu.Unlock()
		return err
	}
	m.setStatusLocked(call.CallerID, domain.StatusInCall)
	m.setStatusLocked(call.RecipientID, domain.StatusInCall)
	m.refreshMetricsLocked()
	caller := call.CallerID
	m.mu.Unlock()

	log.Info().Str("module", "signaling").Str("call", string(id)).Msg("call active")
	m.sendToUser(caller, callAnswered{Type: "video:call-answered", CallID: id, SDP: sdp})
	return nil
}

// ICECandidate forwards a candidate to the other party. Nothing is buffered:
// a candidate for an unknown or ended call is refused.
func (m *Manager) ICECandidate(_ context.Context, user domain.UserID, id domain.CallID, raw json.RawMessage) error {
	if err := checkCandidate(raw); err != nil {
		return err
	}
	m.mu.Lock()
	call, err := m.liveCallLocked(user, id)
	var peer domain.UserID
	if err == nil {
		peer = call.Peer(user)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.sendToUser(peer, iceCandidate{Type: "video:ice-candidate", CallID: id, From: user, Candidate: raw})
	return nil
}

// checkCandidate accepts a candidate object or a bare candidate line. The
// payload itself is relayed untouched.
func checkCandidate(raw json.RawMessage) error {
	var line string
	if json.Unmarshal(raw, &line) == nil {
		if line == "" {
			return fmt.Errorf("%w: empty ice candidate", domain.ErrBadRequest)
		}
		return nil
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return fmt.Errorf("%w: ice candidate: %v", domain.ErrBadRequest, err)
	}
	return nil
}

// EndCall hangs up. Ending an already ended call is a no-op.
func (m *Manager) EndCall(ctx context.Context, user domain.UserID, id domain.CallID) error {
	return m.end(ctx, user, id, domain.EndHangup)
}

// RejectCall declines a call; it is an end with reason rejected.
func (m *Manager) RejectCall(ctx context.Context, user domain.UserID, id domain.CallID) error {
	return m.end(ctx, user, id, domain.EndRejected)
}

// liveCallLocked finds a non-ended call that user takes part in.
func (m *Manager) liveCallLocked(user domain.UserID, id domain.CallID) (*domain.CallSession, error) {
	call, ok := m.calls[id]
	if !ok || call.Ended() {
		return nil, &domain.NotFoundError{Kind: "call", ID: string(id)}
	}
	if !call.HasParticipant(user) {
		return nil, &domain.AuthorizationError{UserID: user, Resource: "call " + string(id), Reason: "not a participant"}
	}
	return call, nil
}

func (m *Manager) end(ctx context.Context, by domain.UserID, id domain.CallID, reason domain.CallEndReason) error {
	now := m.clock.Now()
	m.mu.Lock()
	call, ok := m.calls[id]
	if !ok || call.Ended() {
		m.mu.Unlock()
		log.Debug().Str("module", "signaling").Str("call", string(id)).Msg("end ignored: already ended")
		return nil
	}
	if by != "" && !call.HasParticipant(by) {
		m.mu.Unlock()
		return &domain.AuthorizationError{UserID: by, Resource: "call " + string(id), Reason: "not a participant"}
	}
	if err := call.Transition(domain.CallEnded, now); err != nil {
		m.mu.Unlock()
		return err
	}
	call.EndReason = reason
	call.EndedBy = by
	for _, u := range []domain.UserID{call.CallerID, call.RecipientID} {
		if m.live[u] == id {
			delete(m.live, u)
			m.setStatusLocked(u, domain.StatusIdle)
		}
	}
	m.timers[id] = m.clock.AfterFunc(m.cfg.EndGrace, func() { m.purge(id) })
	m.refreshMetricsLocked()
	snap := *call
	m.mu.Unlock()

	duration := 0.0
	if snap.AnsweredAt != nil {
		duration = now.Sub(*snap.AnsweredAt).Seconds()
	}
	typ := "video:call-ended"
	if reason == domain.EndRejected {
		typ = "video:call-rejected"
	}
	frame := callEnded{Type: typ, CallID: id, EndedBy: by, Reason: reason, Duration: duration}
	m.sendToUser(snap.CallerID, frame)
	m.sendToUser(snap.RecipientID, frame)
	log.Info().Str("module", "signaling").Str("call", string(id)).Str("reason", string(reason)).Msg("call ended")

	if m.store != nil {
		sctx, cancel := m.storeCtx(ctx)
		defer cancel()
		if err := m.store.RecordCall(sctx, snap); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("call", string(id)).Msg("record call failed")
		}
	}
	return nil
}

// purge drops an ended call once its grace period elapsed.
func (m *Manager) purge(id domain.CallID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call, ok := m.calls[id]; ok && call.Ended() {
		delete(m.calls, id)
	}
	delete(m.timers, id)
	m.refreshMetricsLocked()
}
