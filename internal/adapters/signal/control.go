package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Realtime/internal/domain"
)

func (ctl *SignalWSController) buildRoutes() map[string]frameHandler {
	return map[string]frameHandler{
		"auth":   ctl.handleReauth,
		"ping":   ctl.handlePing,
		"whoami": ctl.handleWhoAmI,

		"join_conversation":  ctl.handleJoinConversation,
		"leave_conversation": ctl.handleLeaveConversation,
		"join_community":     ctl.handleJoinCommunity,
		"leave_community":    ctl.handleLeaveCommunity,
		"join_post":          ctl.handleJoinPost,
		"leave_post":         ctl.handleLeavePost,
		"typing_start":       ctl.handleTyping(true),
		"typing_stop":        ctl.handleTyping(false),

		"video:offer":         ctl.handleOffer,
		"video:answer":        ctl.handleAnswer,
		"video:ice-candidate": ctl.handleCandidate,
		"video:end-call":      ctl.handleEndCall,
		"video:reject-call":   ctl.handleRejectCall,

		"join-meeting":      ctl.handleJoinMeeting,
		"leave-meeting":     ctl.handleLeaveMeeting,
		"participant-ready": ctl.handleReady,
		"toggle-media":      ctl.handleToggleMedia,
		"meeting-control":   ctl.handleMeetingControl,
		"webrtc-signal":     ctl.handleWebRTCSignal,
		"chat-message":      ctl.handleChat,
	}
}

func (ctl *SignalWSController) handlePing(_ context.Context, s *session, _ []byte) error {
	resp := struct {
		Type      string    `json:"type"`
		Timestamp time.Time `json:"timestamp"`
	}{
		Type:      "pong",
		Timestamp: time.Now().UTC(),
	}
	ctl.sendJSON(s.conn, resp)
	return nil
}

// handleReauth refuses a second auth frame; identity is fixed for the
// lifetime of a connection.
func (ctl *SignalWSController) handleReauth(context.Context, *session, []byte) error {
	return fmt.Errorf("%w: already authenticated", domain.ErrInvalidState)
}
