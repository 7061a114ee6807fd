package signal

import (
	"fmt"

	"github.com/dkeye/Realtime/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/samber/lo"
)

var validate = validator.New()

// decode unmarshals and validates an inbound payload. Every failure is a
// bad request.
func decode[T any](data []byte) (T, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	if err := validate.Struct(p); err != nil {
		return p, fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	return p, nil
}

type envelope struct {
	Type string `json:"type"`
}

type authPayload struct {
	Token string `json:"token"`
}

type authError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type conversationPayload struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

type communityPayload struct {
	CommunityID string `json:"communityId" validate:"required,max=128"`
}

type postPayload struct {
	PostID string `json:"postId" validate:"required,max=128"`
}

// sessionDescription is the RTCSessionDescription object browsers hand out.
type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp" validate:"required"`
}

func (d *sessionDescription) sdp() string {
	if d == nil {
		return ""
	}
	return d.SDP
}

// offerPayload takes the callee as targetUserId or toUserId and the SDP as a
// bare string or an offer object. Client supplied callId and fromUserId are
// ignored: the call id is minted here and the caller is the session's user.
type offerPayload struct {
	TargetUserID   domain.UserID       `json:"targetUserId" validate:"required_without=ToUserID,max=64"`
	ToUserID       domain.UserID       `json:"toUserId" validate:"max=64"`
	ConversationID string              `json:"conversationId" validate:"max=128"`
	CallType       string              `json:"callType" validate:"omitempty,oneof=audio video"`
	SDP            string              `json:"sdp" validate:"required_without=Offer"`
	Offer          *sessionDescription `json:"offer"`
}

func (p offerPayload) target() domain.UserID {
	return lo.CoalesceOrEmpty(p.TargetUserID, p.ToUserID)
}

func (p offerPayload) description() string {
	return lo.CoalesceOrEmpty(p.SDP, p.Offer.sdp())
}

type answerPayload struct {
	CallID domain.CallID       `json:"callId" validate:"required,max=64"`
	SDP    string              `json:"sdp" validate:"required_without=Answer"`
	Answer *sessionDescription `json:"answer"`
}

func (p answerPayload) description() string {
	return lo.CoalesceOrEmpty(p.SDP, p.Answer.sdp())
}

type candidatePayload struct {
	CallID    domain.CallID   `json:"callId" validate:"required,max=64"`
	Candidate json.RawMessage `json:"candidate" validate:"required"`
}

type callPayload struct {
	CallID domain.CallID `json:"callId" validate:"required,max=64"`
}

type meetingPayload struct {
	MeetingID domain.MeetingID `json:"meetingId" validate:"required,max=128"`
}

type readyPayload struct {
	MeetingID domain.MeetingID `json:"meetingId" validate:"required,max=128"`
	IsReady   *bool            `json:"isReady"`
}

type mediaPayload struct {
	MeetingID domain.MeetingID `json:"meetingId" validate:"required,max=128"`
	MediaType domain.MediaKind `json:"mediaType" validate:"required,oneof=video audio screen"`
	Enabled   bool             `json:"enabled"`
}

type controlPayload struct {
	MeetingID domain.MeetingID     `json:"meetingId" validate:"required,max=128"`
	Action    domain.MeetingAction `json:"action" validate:"required,oneof=start end pause record"`
}

type signalPayload struct {
	MeetingID    domain.MeetingID `json:"meetingId" validate:"required,max=128"`
	TargetUserID domain.UserID    `json:"targetUserId" validate:"required,max=64"`
	SignalType   string           `json:"signalType" validate:"required"`
	Signal       json.RawMessage  `json:"signal" validate:"required"`
}

type chatPayload struct {
	MeetingID domain.MeetingID `json:"meetingId" validate:"required,max=128"`
	Message   string           `json:"message" validate:"required"`
}
