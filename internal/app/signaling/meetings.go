package signaling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dkeye/Realtime/internal/domain"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const maxChatLen = 4000

func meetingRoomName(id domain.MeetingID) domain.RoomName {
	return domain.MeetingRoomRef(id).Name()
}

func sortedParticipants(room *domain.MeetingRoom) []*domain.ParticipantInfo {
	snap := room.Snapshot()
	out := lo.Values(snap.Participants)
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// JoinMeeting admits user to a meeting the store lets them into. The first
// participant opens the room and marks the meeting in progress.
func (m *Manager) JoinMeeting(ctx context.Context, user domain.UserID, id domain.MeetingID) (domain.MeetingRoom, error) {
	if id == "" {
		return domain.MeetingRoom{}, fmt.Errorf("%w: meeting id required", domain.ErrBadRequest)
	}
	sctx, cancel := m.storeCtx(ctx)
	access, err := m.store.FindMeetingAccess(sctx, id, user)
	cancel()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return domain.MeetingRoom{}, err
	case err != nil:
		return domain.MeetingRoom{}, domain.Transient("find meeting", err)
	}

	now := m.clock.Now()
	m.mu.Lock()
	room, exists := m.meetings[id]
	if !exists {
		room = domain.NewMeetingRoom(id, access.HostID, now)
		m.meetings[id] = room
	}
	p, already := room.Participants[user]
	if !already {
		p = &domain.ParticipantInfo{
			UserID:   user,
			Role:     access.Role,
			JoinedAt: now,
			Media:    domain.MediaStatus{Video: true, Audio: true},
		}
		room.Participants[user] = p
		if m.userMeetings[user] == nil {
			m.userMeetings[user] = make(map[domain.MeetingID]struct{})
		}
		m.userMeetings[user][id] = struct{}{}
	}
	joined := *p
	snap := room.Snapshot()
	participants := sortedParticipants(room)
	m.refreshMetricsLocked()
	m.mu.Unlock()

	if sid, ok := m.presence.SessionOf(user); ok {
		if err := m.presence.SubscribeToRoom(sid, meetingRoomName(id)); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("meeting", string(id)).Msg("meeting room subscribe failed")
		}
	}

	if !exists && access.Status != domain.MeetingRecordInProgress {
		sctx, cancel := m.storeCtx(ctx)
		if err := m.store.UpdateMeetingStatus(sctx, id, domain.MeetingRecordInProgress); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("meeting", string(id)).Msg("mark in progress failed")
		}
		cancel()
	}

	m.sendToUser(user, meetingJoined{
		Type:         "meeting-joined",
		MeetingID:    id,
		Status:       snap.Status,
		HostID:       snap.HostID,
		Participants: participants,
		ICEServers:   m.iceServers,
	})
	if !already {
		m.broadcast(meetingRoomName(id), user, participantFrame{
			Type:        "participant-joined",
			MeetingID:   id,
			UserID:      user,
			Participant: &joined,
			Timestamp:   now.UTC(),
		})
		log.Info().Str("module", "signaling").Str("meeting", string(id)).Str("user", string(user)).Int("participants", len(snap.Participants)).Msg("joined meeting")
	}
	return snap, nil
}

// LeaveMeeting removes user from the room. The last leave ends the room,
// deletes it and persists the meeting as completed.
func (m *Manager) LeaveMeeting(ctx context.Context, user domain.UserID, id domain.MeetingID) error {
	now := m.clock.Now()
	m.mu.Lock()
	room, ok := m.meetings[id]
	if !ok {
		m.mu.Unlock()
		return &domain.NotFoundError{Kind: "meeting", ID: string(id)}
	}
	if _, in := room.Participants[user]; !in {
		m.mu.Unlock()
		return &domain.NotFoundError{Kind: "participant", ID: string(user)}
	}
	delete(room.Participants, user)
	m.forgetLocked(user, id)

	ended := len(room.Participants) == 0
	started := false
	if ended {
		room.Status = domain.MeetingEnded
		delete(m.meetings, id)
	} else if room.Status == domain.MeetingWaiting && room.AllReady() {
		room.Status = domain.MeetingActive
		started = true
	}
	m.refreshMetricsLocked()
	m.mu.Unlock()

	if sid, ok := m.presence.SessionOf(user); ok {
		_ = m.presence.UnsubscribeFromRoom(sid, meetingRoomName(id))
	}
	log.Info().Str("module", "signaling").Str("meeting", string(id)).Str("user", string(user)).Bool("ended", ended).Msg("left meeting")

	if ended {
		m.persistCompleted(ctx, id)
		return nil
	}
	m.broadcast(meetingRoomName(id), "", participantFrame{Type: "participant-left", MeetingID: id, UserID: user, Timestamp: now.UTC()})
	if started {
		m.broadcast(meetingRoomName(id), "", meetingStatus{Type: "meeting-started", MeetingID: id, Status: domain.MeetingActive, Timestamp: now.UTC()})
	}
	return nil
}

func (m *Manager) forgetLocked(user domain.UserID, id domain.MeetingID) {
	if set, ok := m.userMeetings[user]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.userMeetings, user)
		}
	}
}

func (m *Manager) persistCompleted(ctx context.Context, id domain.MeetingID) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.UpdateMeetingStatus(sctx, id, domain.MeetingRecordCompleted); err != nil {
		log.Warn().Err(err).Str("module", "signaling").Str("meeting", string(id)).Msg("mark completed failed")
	}
}

// participantLocked returns the room and the caller's entry, or the error to report.
func (m *Manager) participantLocked(user domain.UserID, id domain.MeetingID) (*domain.MeetingRoom, *domain.ParticipantInfo, error) {
	room, ok := m.meetings[id]
	if !ok {
		return nil, nil, &domain.NotFoundError{Kind: "meeting", ID: string(id)}
	}
	p, ok := room.Participants[user]
	if !ok {
		return nil, nil, &domain.AuthorizationError{UserID: user, Resource: "meeting " + string(id), Reason: "not a participant"}
	}
	return room, p, nil
}

// SetReady marks readiness. A waiting room becomes active once every current
// participant is ready.
func (m *Manager) SetReady(_ context.Context, user domain.UserID, id domain.MeetingID, ready bool) error {
	now := m.clock.Now()
	m.mu.Lock()
	room, p, err := m.participantLocked(user, id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	p.Ready = ready
	started := false
	if room.Status == domain.MeetingWaiting && room.AllReady() {
		room.Status = domain.MeetingActive
		started = true
	}
	m.mu.Unlock()

	m.broadcast(meetingRoomName(id), user, participantFrame{Type: "participant-ready", MeetingID: id, UserID: user, Ready: &ready, Timestamp: now.UTC()})
	if started {
		log.Info().Str("module", "signaling").Str("meeting", string(id)).Msg("meeting active")
		m.broadcast(meetingRoomName(id), "", meetingStatus{Type: "meeting-started", MeetingID: id, Status: domain.MeetingActive, Timestamp: now.UTC()})
	}
	return nil
}

func (m *Manager) ToggleMedia(_ context.Context, user domain.UserID, id domain.MeetingID, kind domain.MediaKind, enabled bool) error {
	m.mu.Lock()
	_, p, err := m.participantLocked(user, id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !p.Media.Set(kind, enabled) {
		m.mu.Unlock()
		return fmt.Errorf("%w: unknown media type %q", domain.ErrBadRequest, kind)
	}
	media := p.Media
	m.mu.Unlock()

	m.broadcast(meetingRoomName(id), user, mediaChanged{
		Type:      "participant-media-changed",
		MeetingID: id,
		UserID:    user,
		Media:     kind,
		Enabled:   enabled,
		Status:    media,
	})
	return nil
}

// Control applies a host action. Anyone else is refused and nothing changes.
func (m *Manager) Control(ctx context.Context, user domain.UserID, id domain.MeetingID, action domain.MeetingAction) error {
	now := m.clock.Now()
	m.mu.Lock()
	room, _, err := m.participantLocked(user, id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if room.HostID != user {
		m.mu.Unlock()
		return &domain.AuthorizationError{UserID: user, Resource: "meeting " + string(id), Reason: "host only"}
	}

	var (
		frame   meetingStatus
		members []domain.UserID
	)
	switch action {
	case domain.ActionStart:
		room.Status = domain.MeetingActive
		frame = meetingStatus{Type: "meeting-started", Status: room.Status}
	case domain.ActionPause:
		frame = meetingStatus{Type: "meeting-paused", Status: room.Status}
	case domain.ActionRecord:
		frame = meetingStatus{Type: "recording-started", Status: room.Status}
	case domain.ActionEnd:
		room.Status = domain.MeetingEnded
		members = room.ParticipantIDs()
		for _, u := range members {
			m.forgetLocked(u, id)
		}
		delete(m.meetings, id)
		m.refreshMetricsLocked()
		frame = meetingStatus{Type: "meeting-ended", Status: domain.MeetingEnded}
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: unknown action %q", domain.ErrBadRequest, action)
	}
	m.mu.Unlock()

	frame.MeetingID, frame.By, frame.Timestamp = id, user, now.UTC()
	m.broadcast(meetingRoomName(id), "", frame)
	log.Info().Str("module", "signaling").Str("meeting", string(id)).Str("action", string(action)).Msg("meeting control")

	if action == domain.ActionEnd {
		for _, u := range members {
			if sid, ok := m.presence.SessionOf(u); ok {
				_ = m.presence.UnsubscribeFromRoom(sid, meetingRoomName(id))
			}
		}
		m.persistCompleted(ctx, id)
	}
	return nil
}

// RelaySignal forwards WebRTC negotiation between two participants of a meeting.
func (m *Manager) RelaySignal(_ context.Context, user domain.UserID, id domain.MeetingID, target domain.UserID, signalType string, data json.RawMessage) error {
	switch strings.ToLower(signalType) {
	case "offer", "answer":
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(data, &desc); err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrBadRequest, signalType, err)
		}
		if err := validateSDP(webrtc.NewSDPType(strings.ToLower(signalType)), desc.SDP); err != nil {
			return err
		}
	case "candidate", "ice-candidate":
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(data, &cand); err != nil {
			return fmt.Errorf("%w: candidate: %v", domain.ErrBadRequest, err)
		}
	default:
		return fmt.Errorf("%w: unknown signal type %q", domain.ErrBadRequest, signalType)
	}

	m.mu.Lock()
	room, _, err := m.participantLocked(user, id)
	if err == nil {
		if _, ok := room.Participants[target]; !ok {
			err = &domain.NotFoundError{Kind: "participant", ID: string(target)}
		}
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.sendToUser(target, webrtcSignal{Type: "webrtc-signal", MeetingID: id, From: user, SignalType: signalType, Data: data})
	return nil
}

// Chat broadcasts an in-meeting chat line to every participant, sender included.
func (m *Manager) Chat(_ context.Context, user domain.UserID, id domain.MeetingID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" || len(text) > maxChatLen {
		return fmt.Errorf("%w: chat message must be 1..%d bytes", domain.ErrBadRequest, maxChatLen)
	}
	m.mu.Lock()
	_, _, err := m.participantLocked(user, id)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.broadcast(meetingRoomName(id), "", chatMessage{
		Type:      "chat-message",
		ID:        uuid.NewString(),
		MeetingID: id,
		UserID:    user,
		Message:   text,
		Timestamp: m.clock.Now().UTC(),
	})
	return nil
}

// Meeting returns a copy of an open room.
func (m *Manager) Meeting(id domain.MeetingID) (domain.MeetingRoom, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.meetings[id]
	if !ok {
		return domain.MeetingRoom{}, false
	}
	return room.Snapshot(), true
}

// ActiveMeetings lists the user's meetings starting between 24h ago and an
// hour from now, flagged with whether a room is currently open.
func (m *Manager) ActiveMeetings(ctx context.Context, user domain.UserID) ([]MeetingSummary, error) {
	now := m.clock.Now()
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	list, err := m.store.ActiveMeetings(sctx, user, now.Add(-24*time.Hour), now.Add(time.Hour))
	if err != nil {
		return nil, domain.Transient("active meetings", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Map(list, func(a domain.MeetingAccess, _ int) MeetingSummary {
		room, open := m.meetings[a.MeetingID]
		count := 0
		if open {
			count = len(room.Participants)
		}
		return MeetingSummary{
			ID:               a.MeetingID,
			Title:            a.Title,
			StartTime:        a.StartTime,
			Duration:         a.Duration,
			Status:           a.Status,
			IsActive:         open,
			ParticipantCount: count,
		}
	}), nil
}
