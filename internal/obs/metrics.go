// Package obs holds Prometheus metrics and the optional debug HTTP server.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "distmon_polls_total",
		Help: "Completed poll attempts by type and result",
	}, []string{"type", "result"})

	PollSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "distmon_poll_skips_total",
		Help: "Skipped poll attempts by type and reason",
	}, []string{"type", "reason"})

	PollDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "distmon_poll_duration_seconds",
		Help:    "Backend fetch latency per poll type",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"type"})

	ConsecutiveTimeouts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "distmon_consecutive_timeouts",
		Help: "Current consecutive timeout count per poll type",
	}, []string{"type"})

	BackoffActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "distmon_backoff_active",
		Help: "1 when any poll type is backed off",
	})

	BackendReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "distmon_backend_ready",
		Help: "1 when the backend preflight gate is open",
	})

	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "distmon_bus_dropped_events_total",
		Help: "Events dropped because a subscriber buffer was full",
	}, []string{"type"})
)
