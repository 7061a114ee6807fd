// Package messaging coordinates chat rooms: authorized membership, typing
// indicators, re-broadcast of message events and offline push selection.
package messaging

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Realtime/internal/core"
	"github.com/dkeye/Realtime/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Presence is the part of the connection registry the coordinator relies on.
type Presence interface {
	UserOf(sid core.SessionID) (domain.UserID, bool)
	SubscribeToRoom(sid core.SessionID, room domain.RoomName) error
	UnsubscribeFromRoom(sid core.SessionID, room domain.RoomName) error
	InRoom(sid core.SessionID, room domain.RoomName) bool
	UserInRoom(user domain.UserID, room domain.RoomName) bool
	IsOnline(user domain.UserID) bool
	Broadcast(room domain.RoomName, except core.SessionID, data core.Frame) core.PublishResult
	SendTo(sid core.SessionID, data core.Frame) error
}

type Store interface {
	core.MembershipStore
	core.TypingStore
}

type Config struct {
	TypingTTL           time.Duration
	TypingSweepInterval time.Duration
	StoreTimeout        time.Duration
}

type Coordinator struct {
	presence Presence
	store    Store
	push     *Dispatcher
	typing   *TypingTracker
	clock    clock.Clock
	cfg      Config
}

func NewCoordinator(p Presence, store Store, push *Dispatcher, cfg Config, clk clock.Clock) *Coordinator {
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = 5 * time.Minute
	}
	if cfg.TypingSweepInterval <= 0 {
		cfg.TypingSweepInterval = 30 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{
		presence: p,
		store:    store,
		push:     push,
		typing:   NewTypingTracker(cfg.TypingTTL),
		clock:    clk,
		cfg:      cfg,
	}
}

func (c *Coordinator) userOf(sid core.SessionID) (domain.UserID, error) {
	uid, ok := c.presence.UserOf(sid)
	if !ok {
		return "", &domain.NotFoundError{Kind: "session", ID: string(sid)}
	}
	return uid, nil
}

// authorize asks the store whether user may enter ref. No lock is held here.
func (c *Coordinator) authorize(ctx context.Context, user domain.UserID, ref domain.RoomRef) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	var (
		ok  bool
		err error
	)
	switch ref.Kind {
	case domain.RoomConversation:
		ok, err = c.store.IsConversationParticipant(ctx, ref.ID, user)
	case domain.RoomCommunity:
		ok, err = c.store.IsCommunityMember(ctx, ref.ID, user)
	case domain.RoomPost:
		ok, err = c.store.CanAccessPost(ctx, ref.ID, user)
	case domain.RoomUser:
		ok = domain.UserID(ref.ID) == user
	default:
		return domain.ErrBadRequest
	}
	if err != nil {
		return domain.Transient("authorize "+string(ref.Kind), err)
	}
	if !ok {
		return &domain.AuthorizationError{UserID: user, Resource: string(ref.Name()), Reason: "not a member"}
	}
	return nil
}

// Join subscribes sid to ref after the store confirms access. A denied join
// changes nothing.
func (c *Coordinator) Join(ctx context.Context, sid core.SessionID, ref domain.RoomRef) error {
	if err := ref.Validate(); err != nil {
		return domain.ErrBadRequest
	}
	user, err := c.userOf(sid)
	if err != nil {
		return err
	}
	if err := c.authorize(ctx, user, ref); err != nil {
		log.Info().Err(err).Str("module", "messaging").Str("user", string(user)).Str("room", string(ref.Name())).Msg("join refused")
		return err
	}
	room := ref.Name()
	if err := c.presence.SubscribeToRoom(sid, room); err != nil {
		return err
	}
	log.Info().Str("module", "messaging").Str("user", string(user)).Str("room", string(room)).Msg("joined room")

	switch ref.Kind {
	case domain.RoomConversation:
		c.send(sid, conversationJoined{
			Type:           "conversation_joined",
			ConversationID: ref.ID,
			TypingUsers:    c.typing.Active(ref.ID, c.clock.Now()),
		})
		c.broadcast(room, sid, participantNotice{
			Type:           "participant_joined",
			ConversationID: ref.ID,
			UserID:         user,
			Timestamp:      c.clock.Now().UTC(),
		})
	default:
		c.send(sid, roomAck(ref, "joined"))
	}
	return nil
}

// Leave unsubscribes sid from ref. Leaving a room one is not in is a no-op.
func (c *Coordinator) Leave(ctx context.Context, sid core.SessionID, ref domain.RoomRef) error {
	if err := ref.Validate(); err != nil {
		return domain.ErrBadRequest
	}
	user, err := c.userOf(sid)
	if err != nil {
		return err
	}
	room := ref.Name()
	was := c.presence.InRoom(sid, room)
	if err := c.presence.UnsubscribeFromRoom(sid, room); err != nil {
		return err
	}

	switch ref.Kind {
	case domain.RoomConversation:
		if c.typing.Stop(ref.ID, user) {
			c.dropTyping(ctx, ref.ID, user)
			c.broadcast(room, sid, typingIndicator{Type: "typing_indicator", ConversationID: ref.ID, UserID: user, IsTyping: false})
		}
		if was {
			c.broadcast(room, sid, participantNotice{
				Type:           "participant_left",
				ConversationID: ref.ID,
				UserID:         user,
				Timestamp:      c.clock.Now().UTC(),
			})
		}
		c.send(sid, conversationLeft{Type: "conversation_left", ConversationID: ref.ID})
	default:
		c.send(sid, roomAck(ref, "left"))
	}
	log.Info().Str("module", "messaging").Str("user", string(user)).Str("room", string(room)).Msg("left room")
	return nil
}

// SetTyping starts or stops the typing indicator of sid's user. Only members
// of the conversation room may signal typing.
func (c *Coordinator) SetTyping(ctx context.Context, sid core.SessionID, conversationID string, typing bool) error {
	user, err := c.userOf(sid)
	if err != nil {
		return err
	}
	room := domain.ConversationRoom(conversationID).Name()
	if !c.presence.InRoom(sid, room) {
		return &domain.AuthorizationError{UserID: user, Resource: string(room), Reason: "not joined"}
	}

	now := c.clock.Now()
	if typing {
		c.typing.Start(conversationID, user, now)
		sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
		err = c.store.UpsertTyping(sctx, conversationID, user, now)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("module", "messaging").Str("conversation", conversationID).Msg("typing upsert failed")
		}
	} else {
		c.typing.Stop(conversationID, user)
		c.dropTyping(ctx, conversationID, user)
	}
	c.broadcast(room, sid, typingIndicator{
		Type:           "typing_indicator",
		ConversationID: conversationID,
		UserID:         user,
		IsTyping:       typing,
	})
	return nil
}

func (c *Coordinator) dropTyping(ctx context.Context, conversationID string, user domain.UserID) {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	if err := c.store.DeleteTyping(sctx, conversationID, user); err != nil {
		log.Warn().Err(err).Str("module", "messaging").Str("conversation", conversationID).Msg("typing delete failed")
	}
}

// TypingUsers lists users with a fresh indicator in conversationID.
func (c *Coordinator) TypingUsers(conversationID string) []domain.UserID {
	return c.typing.Active(conversationID, c.clock.Now())
}

// SweepTyping expires stale indicators and tells the rooms they stopped.
func (c *Coordinator) SweepTyping(ctx context.Context) int {
	expired := c.typing.Expire(c.clock.Now())
	for _, e := range expired {
		c.dropTyping(ctx, e.Conversation, e.User)
		c.broadcast(domain.ConversationRoom(e.Conversation).Name(), "", typingIndicator{
			Type:           "typing_indicator",
			ConversationID: e.Conversation,
			UserID:         e.User,
			IsTyping:       false,
		})
	}
	if len(expired) > 0 {
		log.Debug().Str("module", "messaging").Int("expired", len(expired)).Msg("typing sweep")
	}
	return len(expired)
}

// Run sweeps typing indicators until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := c.clock.Ticker(c.cfg.TypingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.SweepTyping(ctx)
		}
	}
}

// OnConnect joins a fresh connection to the conversations its user takes part
// in and tells those rooms the user is online.
func (c *Coordinator) OnConnect(ctx context.Context, sid core.SessionID) error {
	user, err := c.userOf(sid)
	if err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	convs, err := c.store.UserConversations(sctx, user)
	cancel()
	if err != nil {
		return domain.Transient("user conversations", err)
	}
	for _, id := range convs {
		room := domain.ConversationRoom(id).Name()
		if err := c.presence.SubscribeToRoom(sid, room); err != nil {
			log.Warn().Err(err).Str("module", "messaging").Str("room", string(room)).Msg("auto-join failed")
			continue
		}
		c.broadcast(room, sid, userStatus{Type: "user_status", UserID: user, Status: "online", Timestamp: c.clock.Now().UTC()})
	}
	return nil
}

// OnDisconnect clears the user's typing indicators and announces them offline
// in the rooms they were in.
func (c *Coordinator) OnDisconnect(ctx context.Context, user domain.UserID, rooms []domain.RoomName) {
	for _, conv := range c.typing.StopAll(user) {
		c.dropTyping(ctx, conv, user)
		c.broadcast(domain.ConversationRoom(conv).Name(), "", typingIndicator{
			Type:           "typing_indicator",
			ConversationID: conv,
			UserID:         user,
			IsTyping:       false,
		})
	}
	if c.presence.IsOnline(user) {
		return
	}
	for _, room := range rooms {
		ref, err := domain.ParseRoomName(room)
		if err != nil || ref.Kind != domain.RoomConversation {
			continue
		}
		c.broadcast(room, "", userStatus{Type: "user_status", UserID: user, Status: "offline", Timestamp: c.clock.Now().UTC()})
	}
}

func (c *Coordinator) send(sid core.SessionID, v any) {
	frame, err := core.EncodeFrame(v)
	if err != nil {
		log.Error().Err(err).Str("module", "messaging").Msg("encode failed")
		return
	}
	if err := c.presence.SendTo(sid, frame); err != nil {
		log.Debug().Err(err).Str("module", "messaging").Str("sid", string(sid)).Msg("send failed")
	}
}

func (c *Coordinator) broadcast(room domain.RoomName, except core.SessionID, v any) core.PublishResult {
	frame, err := core.EncodeFrame(v)
	if err != nil {
		log.Error().Err(err).Str("module", "messaging").Msg("encode failed")
		return core.PublishResult{}
	}
	return c.presence.Broadcast(room, except, frame)
}

// pushCandidates picks the members that should get a push for a message in
// conversationID: active, notifications on, not the author, and not
// currently watching the conversation.
func (c *Coordinator) pushCandidates(ctx context.Context, conversationID string, exclude domain.UserID) ([]domain.UserID, error) {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	members, err := c.store.ConversationMembers(sctx, conversationID)
	cancel()
	if err != nil {
		return nil, domain.Transient("conversation members", err)
	}
	room := domain.ConversationRoom(conversationID).Name()
	picked := lo.Filter(members, func(m core.ConversationMember, _ int) bool {
		return m.UserID != exclude &&
			m.Active &&
			m.NotificationsEnabled &&
			!c.presence.UserInRoom(m.UserID, room)
	})
	return lo.Map(picked, func(m core.ConversationMember, _ int) domain.UserID { return m.UserID }), nil
}

func (c *Coordinator) pushTo(users []domain.UserID, payload core.PushPayload) {
	if c.push == nil {
		return
	}
	for _, u := range users {
		c.push.Notify(u, payload)
	}
}

func roomAck(ref domain.RoomRef, verb string) any {
	switch ref.Kind {
	case domain.RoomCommunity:
		return communityAck{Type: "community_" + verb, CommunityID: ref.ID}
	case domain.RoomPost:
		return postAck{Type: "post_" + verb, PostID: ref.ID}
	}
	return roomAckFrame{Type: "room_" + verb, Room: ref.Name()}
}
