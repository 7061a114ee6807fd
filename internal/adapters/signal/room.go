package signal

import (
	"context"

	"github.com/dkeye/Realtime/internal/domain"
)

func (ctl *SignalWSController) handleJoinConversation(ctx context.Context, s *session, data []byte) error {
	p, err := decode[conversationPayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.Messaging.Join(ctx, s.sid, domain.ConversationRoom(p.ConversationID))
}

func (ctl *SignalWSController) handleLeaveConversation(ctx context.Context, s *session, data []byte) error {
	p, err := decode[conversationPayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.Messaging.Leave(ctx, s.sid, domain.ConversationRoom(p.ConversationID))
}

func (ctl *SignalWSController) handleJoinCommunity(ctx context.Context, s *session, data []byte) error {
	p, err := decode[communityPayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.Messaging.Join(ctx, s.sid, domain.CommunityRoom(p.CommunityID))
}

func (ctl *SignalWSController) handleLeaveCommunity(ctx context.Context, s *session, data []byte) error {
	p, err := decode[communityPayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.Messaging.Leave(ctx, s.sid, domain.CommunityRoom(p.CommunityID))
}

func (ctl *SignalWSController) handleJoinPost(ctx context.Context, s *session, data []byte) error {
	p, err := decode[postPayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.Messaging.Join(ctx, s.sid, domain.PostRoom(p.PostID))
}

func (ctl *SignalWSController) handleLeavePost(ctx context.Context, s *session, data []byte) error {
	p, err := decode[postPayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.Messaging.Leave(ctx, s.sid, domain.PostRoom(p.PostID))
}

func (ctl *SignalWSController) handleTyping(typing bool) frameHandler {
	return func(ctx context.Context, s *session, data []byte) error {
		p, err := decode[conversationPayload](data)
		if err != nil {
			return err
		}
		return ctl.Orch.Messaging.SetTyping(ctx, s.sid, p.ConversationID, typing)
	}
}
