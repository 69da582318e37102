package safety

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the lifecycle engine.
type Metrics struct {
	TransitionsTotal   *prometheus.CounterVec
	TrailPointsTotal   *prometheus.CounterVec
	MatchedResponders  *prometheus.HistogramVec
	DegradedMatches    *prometheus.CounterVec
	DispatchOutcomes   *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	DispatchesInflight prometheus.Gauge
	PurgedSessions     prometheus.Counter
}

// NewMetrics registers and returns engine metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safeguard_transitions_total",
			Help: "Lifecycle operations by aggregate kind, operation and outcome.",
		}, []string{"kind", "op", "outcome"}),
		TrailPointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safeguard_trail_points_total",
			Help: "Location points appended to trails.",
		}, []string{"kind"}),
		MatchedResponders: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "safeguard_matched_responders",
			Help:    "Responders selected per activation.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}, []string{"kind"}),
		DegradedMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safeguard_degraded_matches_total",
			Help: "Activations served by the fallback or with the matcher unavailable.",
		}, []string{"kind"}),
		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safeguard_dispatch_outcomes_total",
			Help: "Notification attempts by result.",
		}, []string{"kind", "result"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "safeguard_dispatch_duration_seconds",
			Help:    "Wall time of a full dispatch fan-out.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"kind"}),
		DispatchesInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "safeguard_dispatches_inflight",
			Help: "Background dispatches currently running.",
		}),
		PurgedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safeguard_purged_sessions_total",
			Help: "Ended escort sessions whose live projection was purged.",
		}),
	}

	reg.MustRegister(
		m.TransitionsTotal,
		m.TrailPointsTotal,
		m.MatchedResponders,
		m.DegradedMatches,
		m.DispatchOutcomes,
		m.DispatchDuration,
		m.DispatchesInflight,
		m.PurgedSessions,
	)

	return m
}

// Hooks returns EngineHooks that update the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnTransition: func(kind Kind, op, outcome string) {
			m.TransitionsTotal.WithLabelValues(string(kind), op, outcome).Inc()
		},
		OnTrailAppend: func(kind Kind, _ string, _ TrailPoint) {
			m.TrailPointsTotal.WithLabelValues(string(kind)).Inc()
		},
		OnMatch: func(kind Kind, matched int, degraded bool) {
			m.MatchedResponders.WithLabelValues(string(kind)).Observe(float64(matched))
			if degraded {
				m.DegradedMatches.WithLabelValues(string(kind)).Inc()
			}
		},
		OnDispatch: func(kind Kind, s *DispatchSummary) {
			m.DispatchOutcomes.WithLabelValues(string(kind), "sent").Add(float64(s.Sent))
			m.DispatchOutcomes.WithLabelValues(string(kind), "failed").Add(float64(s.Failed))
			m.DispatchOutcomes.WithLabelValues(string(kind), "skipped").Add(float64(s.Skipped))
			m.DispatchDuration.WithLabelValues(string(kind)).Observe(s.Duration.Seconds())
		},
		OnInflight: func(delta int) {
			m.DispatchesInflight.Add(float64(delta))
		},
		OnPurge: func(n int) {
			m.PurgedSessions.Add(float64(n))
		},
	}
}
