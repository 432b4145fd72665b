package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the verification flow's Prometheus collectors.
type Metrics struct {
	SessionsStarted    prometheus.Counter
	SessionTransitions *prometheus.CounterVec
	CodeRejections     prometheus.Counter
	Resends            prometheus.Counter
	OperationOutcomes  *prometheus.CounterVec
	ProviderLatency    *prometheus.HistogramVec
	StoreLatency       *prometheus.HistogramVec
	StoreConflicts     prometheus.Counter
	SweepExpired       prometheus.Counter
	SweepEvicted       prometheus.Counter
	StartThrottled     prometheus.Counter
}

// New registers the collectors on reg. Passing a fresh registry keeps tests
// independent of the global default.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rentkyc_verification_sessions_started_total",
			Help: "Verification sessions opened after a successful provider start",
		}),
		SessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rentkyc_verification_session_transitions_total",
			Help: "Session transitions into a terminal state",
		}, []string{"state", "reason"}),
		CodeRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "rentkyc_verification_code_rejections_total",
			Help: "Wrong codes reported by the provider",
		}),
		Resends: factory.NewCounter(prometheus.CounterOpts{
			Name: "rentkyc_verification_resends_total",
			Help: "Successful code re-deliveries",
		}),
		OperationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rentkyc_verification_operations_total",
			Help: "Verification operations by outcome code",
		}, []string{"operation", "outcome"}),
		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rentkyc_verification_provider_latency_seconds",
			Help:    "Provider call latency by operation and outcome category",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"operation", "outcome"}),
		StoreLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rentkyc_verification_store_latency_seconds",
			Help:    "Session store latency by operation",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"operation"}),
		StoreConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "rentkyc_verification_store_conflicts_total",
			Help: "Optimistic concurrency conflicts on session updates",
		}),
		SweepExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "rentkyc_verification_sweep_expired_total",
			Help: "Sessions moved to expired by the background sweep",
		}),
		SweepEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rentkyc_verification_sweep_evicted_total",
			Help: "Terminal sessions evicted after retention",
		}),
		StartThrottled: factory.NewCounter(prometheus.CounterOpts{
			Name: "rentkyc_verification_start_throttled_total",
			Help: "Start requests refused by the per-subject throttle",
		}),
	}
}

func (m *Metrics) IncrementSessionsStarted() {
	m.SessionsStarted.Inc()
}

func (m *Metrics) RecordTransition(state, reason string) {
	m.SessionTransitions.WithLabelValues(state, reason).Inc()
}

func (m *Metrics) IncrementCodeRejections() {
	m.CodeRejections.Inc()
}

func (m *Metrics) IncrementResends() {
	m.Resends.Inc()
}

func (m *Metrics) RecordOutcome(operation, outcome string) {
	m.OperationOutcomes.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveProviderLatency(operation, outcome string, d time.Duration) {
	m.ProviderLatency.WithLabelValues(operation, outcome).Observe(d.Seconds())
}

// ObserveStoreLatency satisfies store.LatencyObserver.
func (m *Metrics) ObserveStoreLatency(operation string, d time.Duration) {
	m.StoreLatency.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) IncrementStoreConflicts() {
	m.StoreConflicts.Inc()
}

func (m *Metrics) RecordSweep(expired, evicted int) {
	m.SweepExpired.Add(float64(expired))
	m.SweepEvicted.Add(float64(evicted))
}

func (m *Metrics) IncrementStartThrottled() {
	m.StartThrottled.Inc()
}
