// Package eventbus is the in-process publish/subscribe hub for domain events.
package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Realtime/internal/domain"
	"github.com/dkeye/Realtime/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/panics"
)

// Handler reacts to one event. A returned error is logged, never propagated.
type Handler func(ctx context.Context, evt domain.DomainEvent) error

// Wildcard subscribes to every event.
const Wildcard = "*"

type patternKind int

const (
	matchExact patternKind = iota
	matchAggregate
	matchAll
)

// Pattern is a parsed subscription key: an event type, "Aggregate.*" or "*".
type Pattern struct {
	raw   string
	kind  patternKind
	value string
}

func ParsePattern(raw string) (Pattern, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return Pattern{}, fmt.Errorf("empty pattern")
	case raw == Wildcard:
		return Pattern{raw: raw, kind: matchAll}, nil
	case strings.HasSuffix(raw, ".*"):
		agg := strings.TrimSuffix(raw, ".*")
		if agg == "" || strings.Contains(agg, "*") {
			return Pattern{}, fmt.Errorf("bad aggregate pattern %q", raw)
		}
		return Pattern{raw: raw, kind: matchAggregate, value: agg}, nil
	case strings.Contains(raw, "*"):
		return Pattern{}, fmt.Errorf("unsupported wildcard in %q", raw)
	}
	return Pattern{raw: raw, kind: matchExact, value: raw}, nil
}

func (p Pattern) String() string { return p.raw }

func (p Pattern) Matches(evt domain.DomainEvent) bool {
	switch p.kind {
	case matchAll:
		return true
	case matchAggregate:
		return evt.AggregateType == p.value
	default:
		return string(evt.Type) == p.value
	}
}

// Subscription identifies one registered handler.
type Subscription struct {
	id      uint64
	pattern Pattern
}

func (s Subscription) Pattern() string { return s.pattern.raw }

type listener struct {
	id      uint64
	pattern Pattern
	handler Handler
}

// Bus dispatches synchronously: Publish returns once every matching handler ran.
// Handlers registered for the same event run in subscription order.
type Bus struct {
	mu        sync.RWMutex
	listeners []listener
	known     *lru.Cache[domain.EventType, struct{}]

	nextID    atomic.Uint64
	published atomic.Int64
	failed    atomic.Int64
}

// MaxEventTypes bounds how many distinct event types Stats remembers.
const MaxEventTypes = 256

func New() *Bus {
	known, _ := lru.New[domain.EventType, struct{}](MaxEventTypes)
	return &Bus{known: known}
}

func (b *Bus) Subscribe(pattern string, h Handler) (Subscription, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return Subscription{}, err
	}
	if h == nil {
		return Subscription{}, fmt.Errorf("nil handler for %q", pattern)
	}
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.listeners = append(b.listeners, listener{id: id, pattern: p, handler: h})
	b.mu.Unlock()
	log.Debug().Str("module", "eventbus").Str("pattern", p.raw).Msg("subscribed")
	return Subscription{id: id, pattern: p}, nil
}

// MustSubscribe is Subscribe for patterns known at compile time.
func (b *Bus) MustSubscribe(pattern string, h Handler) Subscription {
	sub, err := b.Subscribe(pattern, h)
	if err != nil {
		panic(err)
	}
	return sub
}

// Unsubscribe removes sub; unknown subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = lo.Reject(b.listeners, func(l listener, _ int) bool { return l.id == sub.id })
}

// Publish delivers evt to every matching handler in turn. A handler that fails
// or panics is logged and does not stop the others.
func (b *Bus) Publish(ctx context.Context, evt domain.DomainEvent) {
	b.known.Add(evt.Type, struct{}{})
	b.mu.RLock()
	targets := lo.Filter(b.listeners, func(l listener, _ int) bool { return l.pattern.Matches(evt) })
	b.mu.RUnlock()

	b.published.Add(1)
	label := metricLabel(evt.Type)
	metrics.EventsPublished.WithLabelValues(label).Inc()

	for _, l := range targets {
		if err := invoke(ctx, l.handler, evt); err != nil {
			b.failed.Add(1)
			metrics.HandlerFailures.WithLabelValues(label).Inc()
			log.Error().Err(err).
				Str("module", "eventbus").
				Str("event", string(evt.Type)).
				Str("event_id", evt.ID).
				Str("pattern", l.pattern.raw).
				Msg("event handler failed")
		}
	}
}

// metricLabel keeps label cardinality fixed whatever producers send.
func metricLabel(t domain.EventType) string {
	if t.Known() {
		return string(t)
	}
	return "other"
}

func invoke(ctx context.Context, h Handler, evt domain.DomainEvent) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = h(ctx, evt) })
	if rec := pc.Recovered(); rec != nil {
		return rec.AsError()
	}
	return err
}

type Stats struct {
	Listeners      map[string]int `json:"listeners"`
	TotalListeners int            `json:"total_listeners"`
	EventTypes     []string       `json:"event_types"`
	Published      int64          `json:"published"`
	Failed         int64          `json:"failed"`
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	per := lo.CountValuesBy(b.listeners, func(l listener) string { return l.pattern.raw })
	types := lo.Map(b.known.Keys(), func(t domain.EventType, _ int) string { return string(t) })
	return Stats{
		Listeners:      per,
		TotalListeners: len(b.listeners),
		EventTypes:     types,
		Published:      b.published.Load(),
		Failed:         b.failed.Load(),
	}
}
