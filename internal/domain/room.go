package domain

import (
	"errors"
	"strings"
)

type RoomName string

type RoomKind string

const (
	RoomConversation RoomKind = "conversation"
	RoomCommunity    RoomKind = "community"
	RoomPost         RoomKind = "post"
	RoomUser         RoomKind = "user"
	RoomMeeting      RoomKind = "meeting"
)

const MaxRoomIDLen = 128

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
	ErrRoomKind      = errors.New("unknown room kind")
)

// RoomRef addresses a logical broadcast group.
type RoomRef struct {
	Kind RoomKind `json:"kind"`
	ID   string   `json:"id"`
}

func ConversationRoom(id string) RoomRef { return RoomRef{Kind: RoomConversation, ID: id} }
func CommunityRoom(id string) RoomRef    { return RoomRef{Kind: RoomCommunity, ID: id} }
func PostRoom(id string) RoomRef         { return RoomRef{Kind: RoomPost, ID: id} }
func UserRoom(id UserID) RoomRef         { return RoomRef{Kind: RoomUser, ID: string(id)} }
func MeetingRoomRef(id MeetingID) RoomRef {
	return RoomRef{Kind: RoomMeeting, ID: string(id)}
}

// Name is the broadcaster key, e.g. "conversation_42" or "user_abc".
func (r RoomRef) Name() RoomName {
	return RoomName(string(r.Kind) + "_" + r.ID)
}

func (r RoomRef) Validate() error {
	switch r.Kind {
	case RoomConversation, RoomCommunity, RoomPost, RoomUser, RoomMeeting:
	default:
		return ErrRoomKind
	}
	if r.ID == "" {
		return ErrRoomIDEmpty
	}
	if len(r.ID) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	if strings.ContainsRune(r.ID, ':') {
		return ErrIDSeparator
	}
	return nil
}

func ParseRoomName(name RoomName) (RoomRef, error) {
	kind, id, ok := strings.Cut(string(name), "_")
	if !ok {
		return RoomRef{}, ErrRoomKind
	}
	ref := RoomRef{Kind: RoomKind(kind), ID: id}
	return ref, ref.Validate()
}
