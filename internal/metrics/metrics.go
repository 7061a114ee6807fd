// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "realtime"

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Live registered connections.",
	})
	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evictions_total",
		Help:      "Connections closed because the same user connected again.",
	})
	AuthRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_rejections_total",
		Help:      "Rejected admissions by reason code.",
	}, []string{"code"})
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Domain events published on the in-process bus.",
	}, []string{"type"})
	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_handler_failures_total",
		Help:      "Event handlers that returned an error or panicked.",
	}, []string{"type"})
	PushDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_deliveries_total",
		Help:      "Push deliveries by outcome (sent, failed, pruned).",
	}, []string{"outcome"})
	Dropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Frames dropped on a full send buffer.",
	})
	Calls = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "calls",
		Help:      "Tracked call sessions by status.",
	}, []string{"status"})
	Meetings = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "meeting_rooms",
		Help:      "Open meeting rooms.",
	})
)
