// Package metrics exposes Prometheus instrumentation for the room view and
// the Matrix client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mxview"

// Metrics holds every collector. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	BackfillRequests *prometheus.CounterVec
	WindowGrowth     prometheus.Counter
	CoalescedUpdates prometheus.Counter
	RenderPasses     prometheus.Counter
	StateMutations   *prometheus.CounterVec
	MatrixRequests   *prometheus.CounterVec
	MatrixDuration   *prometheus.HistogramVec
	RateLimitHits    *prometheus.CounterVec
	Syncs            *prometheus.CounterVec
	LastSync         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BackfillRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_requests_total",
			Help:      "Backfill requests issued by timeline windows, by result.",
		}, []string{"result"}),
		WindowGrowth: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_growth_total",
			Help:      "Local window growth steps that needed no network call.",
		}),
		CoalescedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalesced_updates_total",
			Help:      "Timeline updates absorbed while a pagination pass was running.",
		}),
		RenderPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_passes_total",
			Help:      "Completed render passes.",
		}),
		StateMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_mutations_total",
			Help:      "Room state mutations and invites, by kind and result.",
		}, []string{"kind", "result"}),
		MatrixRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matrix_requests_total",
			Help:      "Matrix API requests, by call and HTTP status class.",
		}, []string{"call", "status"}),
		MatrixDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "matrix_request_duration_seconds",
			Help:      "Matrix API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"call"}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "M_LIMIT_EXCEEDED responses, by call.",
		}, []string{"call"}),
		Syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "syncs_total",
			Help:      "Finished /sync long polls, by result.",
		}, []string{"result"}),
		LastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sync_timestamp_seconds",
			Help:      "Unix time of the last successful sync.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.BackfillRequests,
			m.WindowGrowth,
			m.CoalescedUpdates,
			m.RenderPasses,
			m.StateMutations,
			m.MatrixRequests,
			m.MatrixDuration,
			m.RateLimitHits,
			m.Syncs,
			m.LastSync,
		)
	}
	return m
}

// RecordBackfill counts a finished backfill; result is "success" or "error".
func (m *Metrics) RecordBackfill(result string) {
	if m == nil {
		return
	}
	m.BackfillRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordWindowGrowth() {
	if m == nil {
		return
	}
	m.WindowGrowth.Inc()
}

func (m *Metrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.CoalescedUpdates.Inc()
}

func (m *Metrics) RecordRenderPass() {
	if m == nil {
		return
	}
	m.RenderPasses.Inc()
}

// RecordStateMutation counts one item of a room-state or invite batch.
func (m *Metrics) RecordStateMutation(kind string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.StateMutations.WithLabelValues(kind, result).Inc()
}

// RecordMatrixRequest counts one HTTP round trip.
func (m *Metrics) RecordMatrixRequest(call string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.MatrixRequests.WithLabelValues(call, statusClass(status)).Inc()
	m.MatrixDuration.WithLabelValues(call).Observe(seconds)
}

func (m *Metrics) RecordRateLimit(call string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(call).Inc()
}

// RecordSync counts one sync attempt and stamps the gauge on success.
func (m *Metrics) RecordSync(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Syncs.WithLabelValues("error").Inc()
		return
	}
	m.Syncs.WithLabelValues("success").Inc()
	m.LastSync.SetToCurrentTime()
}

func statusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status == 429:
		return "429"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
