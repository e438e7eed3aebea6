package cultivation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "cultivation"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	transitions         *prometheus.CounterVec
	propagationRequests *prometheus.CounterVec
	propagatedPlants    prometheus.Counter
	conflictRetries     prometheus.Counter
	lockWait            prometheus.Histogram
	overrides           *prometheus.CounterVec
	integrity           *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stage_transitions_total",
			Help:      "Stage transition attempts by outcome.",
		}, []string{"outcome"}),
		propagationRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "propagation_requests_total",
			Help:      "Propagation commit attempts by outcome.",
		}, []string{"outcome"}),
		propagatedPlants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "propagated_plants_total",
			Help:      "Clones committed to the propagation ledger.",
		}),
		conflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "quota_conflict_retries_total",
			Help:      "Propagation commits retried after a concurrency conflict.",
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "quota_lock_wait_seconds",
			Help:      "Time spent waiting for the site propagation lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		overrides: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "override_requests_total",
			Help:      "Override requests by resulting status.",
		}, []string{"status"}),
		integrity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "integrity_violations_total",
			Help:      "Corrupt stored data detected, by entity.",
		}, []string{"entity"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.transitions, m.propagationRequests, m.propagatedPlants,
		m.conflictRetries, m.lockWait, m.overrides, m.integrity,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) transition(outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) propagation(outcome string, plants int) {
	if m == nil {
		return
	}
	m.propagationRequests.WithLabelValues(outcome).Inc()
	if plants > 0 {
		m.propagatedPlants.Add(float64(plants))
	}
}

func (m *Metrics) conflictRetry() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}

func (m *Metrics) observeLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) override(status OverrideStatus) {
	if m == nil {
		return
	}
	m.overrides.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) integrityViolation(entity string) {
	if m == nil {
		return
	}
	m.integrity.WithLabelValues(entity).Inc()
}
