package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dkeye/Realtime/internal/core"
	"github.com/dkeye/Realtime/internal/domain"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// The write side below is how the owning services (or fixtures) populate
// the records this core only reads.

func (s *BadgerStore) PutAccount(ctx context.Context, acc domain.Account) error {
	if err := acc.ID.Validate(); err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	return s.putJSON(ctx, key(prefixUser, string(acc.ID)), acc)
}

func (s *BadgerStore) PutConversationMember(ctx context.Context, conversationID string, m core.ConversationMember) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := segments(conversationID, string(m.UserID)); err != nil {
		return fmt.Errorf("put conversation member: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key(prefixConv, conversationID, ":", string(m.UserID)), data); err != nil {
			return err
		}
		return txn.Set(key(prefixUserConv, string(m.UserID), ":", conversationID), nil)
	})
}

func (s *BadgerStore) PutCommunityMember(ctx context.Context, communityID string, user domain.UserID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := segments(communityID); err != nil {
		return fmt.Errorf("put community member: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(prefixCommunity, communityID, ":", string(user)), nil)
	})
}

func (s *BadgerStore) PutPost(ctx context.Context, postID, communityID string, author domain.UserID) error {
	return s.putJSON(ctx, key(prefixPost, postID), postRecord{CommunityID: communityID, AuthorID: author})
}

// MeetingSeed describes a scheduled meeting and who may join it.
type MeetingSeed struct {
	ID        domain.MeetingID              `json:"id"`
	Title     string                        `json:"title"`
	HostID    domain.UserID                 `json:"host_id"`
	Parties   map[domain.UserID]domain.Role `json:"parties"`
	Status    domain.MeetingRecordStatus    `json:"status"`
	StartTime time.Time                     `json:"start_time"`
	Duration  time.Duration                 `json:"duration"`
}

func (s *BadgerStore) PutMeeting(ctx context.Context, m MeetingSeed) error {
	if m.Status == "" {
		m.Status = domain.MeetingRecordScheduled
	}
	return s.putJSON(ctx, key(prefixMeeting, string(m.ID)), meetingRecord(m))
}

func (s *BadgerStore) PutDeviceToken(ctx context.Context, user domain.UserID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := segments(string(user)); err != nil {
		return fmt.Errorf("put device token: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(prefixPush, string(user), ":", token), nil)
	})
}

// Fixtures is the on-disk shape of a seed file.
type Fixtures struct {
	Accounts      []domain.Account                     `json:"accounts"`
	Conversations map[string][]core.ConversationMember `json:"conversations"`
	Communities   map[string][]domain.UserID           `json:"communities"`
	Posts         []struct {
		ID          string        `json:"id"`
		CommunityID string        `json:"community_id"`
		AuthorID    domain.UserID `json:"author_id"`
	} `json:"posts"`
	Meetings     []MeetingSeed              `json:"meetings"`
	DeviceTokens map[domain.UserID][]string `json:"device_tokens"`
}

// LoadFixtures applies a JSON seed file. Every record is attempted; the
// failures are returned together.
func (s *BadgerStore) LoadFixtures(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fixtures: %w", err)
	}
	var fx Fixtures
	if err := json.Unmarshal(raw, &fx); err != nil {
		return fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	return s.Apply(ctx, fx)
}

func (s *BadgerStore) Apply(ctx context.Context, fx Fixtures) error {
	var errs error
	for _, a := range fx.Accounts {
		errs = multierr.Append(errs, s.PutAccount(ctx, a))
	}
	for conv, members := range fx.Conversations {
		for _, m := range members {
			errs = multierr.Append(errs, s.PutConversationMember(ctx, conv, m))
		}
	}
	for community, users := range fx.Communities {
		for _, u := range users {
			errs = multierr.Append(errs, s.PutCommunityMember(ctx, community, u))
		}
	}
	for _, p := range fx.Posts {
		errs = multierr.Append(errs, s.PutPost(ctx, p.ID, p.CommunityID, p.AuthorID))
	}
	for _, m := range fx.Meetings {
		errs = multierr.Append(errs, s.PutMeeting(ctx, m))
	}
	for user, tokens := range fx.DeviceTokens {
		for _, tok := range tokens {
			errs = multierr.Append(errs, s.PutDeviceToken(ctx, user, tok))
		}
	}
	log.Info().Str("module", "store.badger").
		Int("accounts", len(fx.Accounts)).
		Int("conversations", len(fx.Conversations)).
		Int("meetings", len(fx.Meetings)).
		Int("errors", len(multierr.Errors(errs))).
		Msg("fixtures applied")
	return errs
}
