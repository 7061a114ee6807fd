package signal

import (
	"context"

	"github.com/dkeye/Realtime/internal/app/signaling"
	"github.com/samber/lo"
)

// Call signaling. SDP and candidates are relayed to the peer; no media
// passes through this server.

func (ctl *SignalWSController) handleOffer(ctx context.Context, s *session, data []byte) error {
	p, err := decode[offerPayload](data)
	if err != nil {
		return err
	}
	_, err = ctl.Orch.Signaling.Offer(ctx, s.user, signaling.Offer{
		TargetID:       p.target(),
		ConversationID: p.ConversationID,
		CallType:       lo.CoalesceOrEmpty(p.CallType, "video"),
		SDP:            p.description(),
	})
	return err
}

func (ctl *SignalWSController) handleAnswer(ctx context.Context, s *session, data []byte) error {
	p, err := decode[answerPayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.Signaling.Answer(ctx, s.user, p.CallID, p.description())
}

func (ctl *SignalWSController) handleCandidate(ctx context.Context, s *session, data []byte) error {
	p, err := decode[candidatePayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.Signaling.ICECandidate(ctx, s.user, p.CallID, p.Candidate)
}

func (ctl *SignalWSController) handleEndCall(ctx context.Context, s *session, data []byte) error {
	p, err := decode[callPayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.Signaling.EndCall(ctx, s.user, p.CallID)
}

func (ctl *SignalWSController) handleRejectCall(ctx context.Context, s *session, data []byte) error {
	p, err := decode[callPayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.Signaling.RejectCall(ctx, s.user, p.CallID)
}
