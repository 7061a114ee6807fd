package messaging

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Realtime/internal/domain"
)

type typingKey struct {
	conversation string
	user         domain.UserID
}

// TypingTracker keeps the last typing activity per (conversation, user).
type TypingTracker struct {
	mu      sync.Mutex
	records map[typingKey]time.Time
	ttl     time.Duration
}

func NewTypingTracker(ttl time.Duration) *TypingTracker {
	return &TypingTracker{records: make(map[typingKey]time.Time), ttl: ttl}
}

// Start records activity and reports whether the user was not typing before.
func (t *TypingTracker) Start(conversation string, user domain.UserID, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := typingKey{conversation, user}
	last, ok := t.records[k]
	t.records[k] = at
	return !ok || at.Sub(last) > t.ttl
}

// Stop removes the record and reports whether there was one.
func (t *TypingTracker) Stop(conversation string, user domain.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := typingKey{conversation, user}
	_, ok := t.records[k]
	delete(t.records, k)
	return ok
}

// Active lists users of conversation whose indicator is still fresh at now.
func (t *TypingTracker) Active(conversation string, now time.Time) []domain.UserID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.UserID
	for k, at := range t.records {
		if k.conversation == conversation && now.Sub(at) <= t.ttl {
			out = append(out, k.user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type expiredTyping struct {
	Conversation string
	User         domain.UserID
}

// Expire removes and returns every record older than the TTL.
func (t *TypingTracker) Expire(now time.Time) []expiredTyping {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []expiredTyping
	for k, at := range t.records {
		if now.Sub(at) > t.ttl {
			delete(t.records, k)
			out = append(out, expiredTyping{Conversation: k.conversation, User: k.user})
		}
	}
	return out
}

// StopAll drops every record of user and returns the conversations affected.
func (t *TypingTracker) StopAll(user domain.UserID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for k := range t.records {
		if k.user == user {
			delete(t.records, k)
			out = append(out, k.conversation)
		}
	}
	return out
}

func (t *TypingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
