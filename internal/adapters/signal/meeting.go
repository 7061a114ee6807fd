package signal

import (
	"context"
)

func (ctl *SignalWSController) handleJoinMeeting(ctx context.Context, s *session, data []byte) error {
	p, err := decode[meetingPayload](data)
	if err != nil {
		return err
	}
	_, err = ctl.Orch.Signaling.JoinMeeting(ctx, s.user, p.MeetingID)
	return err
}

func (ctl *SignalWSController) handleLeaveMeeting(ctx context.Context, s *session, data []byte) error {
	p, err := decode[meetingPayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.Signaling.LeaveMeeting(ctx, s.user, p.MeetingID)
}

// handleReady marks the sender ready; isReady defaults to true.
func (ctl *SignalWSController) handleReady(ctx context.Context, s *session, data []byte) error {
	p, err := decode[readyPayload](data)
	if err != nil {
		return err
	}
	ready := p.IsReady == nil || *p.IsReady
	return ctl.Orch.Signaling.SetReady(ctx, s.user, p.MeetingID, ready)
}

func (ctl *SignalWSController) handleToggleMedia(ctx context.Context, s *session, data []byte) error {
	p, err := decode[mediaPayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.Signaling.ToggleMedia(ctx, s.user, p.MeetingID, p.MediaType, p.Enabled)
}

func (ctl *SignalWSController) handleMeetingControl(ctx context.Context, s *session, data []byte) error {
	p, err := decode[controlPayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.Signaling.Control(ctx, s.user, p.MeetingID, p.Action)
}

func (ctl *SignalWSController) handleWebRTCSignal(ctx context.Context, s *session, data []byte) error {
	p, err := decode[signalPayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.Signaling.RelaySignal(ctx, s.user, p.MeetingID, p.TargetUserID, p.SignalType, p.Signal)
}

func (ctl *SignalWSController) handleChat(ctx context.Context, s *session, data []byte) error {
	p, err := decode[chatPayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.Signaling.Chat(ctx, s.user, p.MeetingID, p.Message)
}
