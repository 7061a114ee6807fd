// Package store is the Badger-backed persistence collaborator used by
// standalone deployments and tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dkeye/Realtime/internal/core"
	"github.com/dkeye/Realtime/internal/domain"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Key layout:
//
//	user:<id>                        Account
//	conv:<conv>:<user>               ConversationMember
//	uconv:<user>:<conv>              index of the above
//	community:<id>:<user>            membership marker
//	post:<id>                        postRecord
//	meeting:<id>                     meetingRecord
//	typing:<conv>:<user>             unix nanos, expires with the typing TTL
//	push:<user>:<token>              device token marker
//	call:<id>                        CallSession
const (
	prefixUser      = "user:"
	prefixConv      = "conv:"
	prefixUserConv  = "uconv:"
	prefixCommunity = "community:"
	prefixPost      = "post:"
	prefixMeeting   = "meeting:"
	prefixTyping    = "typing:"
	prefixPush      = "push:"
	prefixCall      = "call:"
)

type postRecord struct {
	CommunityID string        `json:"community_id"`
	AuthorID    domain.UserID `json:"author_id"`
}

type meetingRecord struct {
	ID        domain.MeetingID              `json:"id"`
	Title     string                        `json:"title"`
	HostID    domain.UserID                 `json:"host_id"`
	Parties   map[domain.UserID]domain.Role `json:"parties"`
	Status    domain.MeetingRecordStatus    `json:"status"`
	StartTime time.Time                     `json:"start_time"`
	Duration  time.Duration                 `json:"duration"`
}

type Options struct {
	Path      string
	InMemory  bool
	TypingTTL time.Duration
}

type BadgerStore struct {
	db        *badger.DB
	typingTTL time.Duration
}

var _ core.Store = (*BadgerStore)(nil)

func Open(opts Options) (*BadgerStore, error) {
	bo := badger.DefaultOptions(opts.Path).WithLoggingLevel(badger.ERROR)
	if opts.InMemory {
		bo = bo.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	ttl := opts.TypingTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	log.Info().Str("module", "store.badger").Str("path", opts.Path).Bool("in_memory", opts.InMemory).Msg("store opened")
	return &BadgerStore{db: db, typingTTL: ttl}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func key(parts ...string) []byte { return []byte(strings.Join(parts, "")) }

// segments checks ids used as inner parts of a composite key. The last part
// of a key may hold anything.
func segments(ids ...string) error {
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%w: empty key segment", domain.ErrBadRequest)
		}
		if strings.ContainsRune(id, ':') {
			return fmt.Errorf("%w: %q", domain.ErrIDSeparator, id)
		}
	}
	return nil
}

func (s *BadgerStore) getJSON(ctx context.Context, k []byte, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

func (s *BadgerStore) putJSON(ctx context.Context, k []byte, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", k, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, data)
	})
}

func (s *BadgerStore) exists(ctx context.Context, k []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(k)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// scan calls fn with the key suffix and value of every entry under prefix.
func (s *BadgerStore) scan(ctx context.Context, prefix string, fn func(suffix string, val []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := []byte(prefix)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			suffix := strings.TrimPrefix(string(item.Key()), prefix)
			if err := item.Value(func(val []byte) error { return fn(suffix, val) }); err != nil {
				return err
			}
		}
		return nil
	})
}

// UserStore

func (s *BadgerStore) FindAccount(ctx context.Context, id domain.UserID) (*domain.Account, error) {
	var acc domain.Account
	err := s.getJSON(ctx, key(prefixUser, string(id)), &acc)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &domain.NotFoundError{Kind: "user", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("find account %s: %w", id, err)
	}
	return &acc, nil
}

// MembershipStore

func (s *BadgerStore) IsConversationParticipant(ctx context.Context, conversationID string, user domain.UserID) (bool, error) {
	var m core.ConversationMember
	err := s.getJSON(ctx, key(prefixConv, conversationID, ":", string(user)), &m)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("conversation participant: %w", err)
	}
	return m.Active, nil
}

func (s *BadgerStore) IsCommunityMember(ctx context.Context, communityID string, user domain.UserID) (bool, error) {
	return s.exists(ctx, key(prefixCommunity, communityID, ":", string(user)))
}

// CanAccessPost allows the author and members of the post's community.
func (s *BadgerStore) CanAccessPost(ctx context.Context, postID string, user domain.UserID) (bool, error) {
	var p postRecord
	err := s.getJSON(ctx, key(prefixPost, postID), &p)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("post access: %w", err)
	}
	if p.AuthorID == user {
		return true, nil
	}
	return s.IsCommunityMember(ctx, p.CommunityID, user)
}

func (s *BadgerStore) ConversationMembers(ctx context.Context, conversationID string) ([]core.ConversationMember, error) {
	if err := segments(conversationID); err != nil {
		return nil, fmt.Errorf("conversation members: %w", err)
	}
	var out []core.ConversationMember
	err := s.scan(ctx, prefixConv+conversationID+":", func(_ string, val []byte) error {
		var m core.ConversationMember
		if err := json.Unmarshal(val, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation members: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) UserConversations(ctx context.Context, user domain.UserID) ([]string, error) {
	if err := segments(string(user)); err != nil {
		return nil, fmt.Errorf("user conversations: %w", err)
	}
	var ids []string
	err := s.scan(ctx, prefixUserConv+string(user)+":", func(conv string, _ []byte) error {
		ids = append(ids, conv)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("user conversations: %w", err)
	}
	active := make([]string, 0, len(ids))
	for _, id := range ids {
		ok, err := s.IsConversationParticipant(ctx, id, user)
		if err != nil {
			return nil, err
		}
		if ok {
			active = append(active, id)
		}
	}
	return active, nil
}

// MeetingStore

func (s *BadgerStore) FindMeetingAccess(ctx context.Context, id domain.MeetingID, user domain.UserID) (*domain.MeetingAccess, error) {
	var rec meetingRecord
	err := s.getJSON(ctx, key(prefixMeeting, string(id)), &rec)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &domain.NotFoundError{Kind: "meeting", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("find meeting %s: %w", id, err)
	}
	role, party := rec.Parties[user]
	if !party || !rec.Status.Joinable() {
		return nil, &domain.NotFoundError{Kind: "meeting", ID: string(id)}
	}
	acc := rec.access(role)
	return &acc, nil
}

func (r meetingRecord) access(role domain.Role) domain.MeetingAccess {
	return domain.MeetingAccess{
		MeetingID: r.ID,
		Title:     r.Title,
		HostID:    r.HostID,
		Role:      role,
		Status:    r.Status,
		StartTime: r.StartTime,
		Duration:  r.Duration,
	}
}

func (s *BadgerStore) ActiveMeetings(ctx context.Context, user domain.UserID, from, to time.Time) ([]domain.MeetingAccess, error) {
	var out []domain.MeetingAccess
	err := s.scan(ctx, prefixMeeting, func(_ string, val []byte) error {
		var rec meetingRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		role, party := rec.Parties[user]
		if !party || !rec.Status.Joinable() {
			return nil
		}
		if rec.StartTime.Before(from) || rec.StartTime.After(to) {
			return nil
		}
		out = append(out, rec.access(role))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("active meetings: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) UpdateMeetingStatus(ctx context.Context, id domain.MeetingID, status domain.MeetingRecordStatus) error {
	k := key(prefixMeeting, string(id))
	var rec meetingRecord
	if err := s.getJSON(ctx, k, &rec); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &domain.NotFoundError{Kind: "meeting", ID: string(id)}
		}
		return fmt.Errorf("update meeting %s: %w", id, err)
	}
	rec.Status = status
	return s.putJSON(ctx, k, rec)
}

func (s *BadgerStore) RecordCall(ctx context.Context, call domain.CallSession) error {
	return s.putJSON(ctx, key(prefixCall, string(call.ID)), call)
}

// FindCall returns a recorded call.
func (s *BadgerStore) FindCall(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	var c domain.CallSession
	err := s.getJSON(ctx, key(prefixCall, string(id)), &c)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &domain.NotFoundError{Kind: "call", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// TypingStore

func (s *BadgerStore) UpsertTyping(ctx context.Context, conversationID string, user domain.UserID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := segments(conversationID); err != nil {
		return err
	}
	val, _ := json.Marshal(at.UnixNano())
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key(prefixTyping, conversationID, ":", string(user)), val).WithTTL(s.typingTTL)
		return txn.SetEntry(e)
	})
}

func (s *BadgerStore) DeleteTyping(ctx context.Context, conversationID string, user domain.UserID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(prefixTyping, conversationID, ":", string(user)))
	})
}

// TypingUsers lists users with an unexpired typing record in a conversation.
func (s *BadgerStore) TypingUsers(ctx context.Context, conversationID string) ([]domain.UserID, error) {
	if err := segments(conversationID); err != nil {
		return nil, err
	}
	var users []domain.UserID
	err := s.scan(ctx, prefixTyping+conversationID+":", func(u string, _ []byte) error {
		users = append(users, domain.UserID(u))
		return nil
	})
	return users, err
}

// PushTokenStore

func (s *BadgerStore) DeviceTokens(ctx context.Context, user domain.UserID) ([]string, error) {
	if err := segments(string(user)); err != nil {
		return nil, fmt.Errorf("device tokens: %w", err)
	}
	var tokens []string
	err := s.scan(ctx, prefixPush+string(user)+":", func(tok string, _ []byte) error {
		tokens = append(tokens, tok)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("device tokens: %w", err)
	}
	return lo.Compact(tokens), nil
}

func (s *BadgerStore) PruneToken(ctx context.Context, user domain.UserID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(prefixPush, string(user), ":", token))
	})
}
