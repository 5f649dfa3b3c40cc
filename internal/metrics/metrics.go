// Package metrics exposes Prometheus collectors for the advisor desk.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "antirisk"

// Metrics groups the collectors recorded by the session and offline layers.
type Metrics struct {
	retries          *prometheus.CounterVec
	fragments        prometheus.Counter
	streamFailures   prometheus.Counter
	storageFailures  *prometheus.CounterVec
	offlineArtifacts prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_retries_total",
			Help:      "Retries scheduled after a transient capacity failure.",
		}, []string{"operation"}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_fragments_total",
			Help:      "Fragments appended to streaming assistant replies.",
		}),
		streamFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_failures_total",
			Help:      "Streaming replies rolled back after a producer error.",
		}),
		storageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_failures_total",
			Help:      "Write scopes that failed and left in-memory state unchanged.",
		}, []string{"component"}),
		offlineArtifacts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_artifacts",
			Help:      "Artifacts currently in the offline membership index.",
		}),
	}
	reg.MustRegister(m.retries, m.fragments, m.streamFailures, m.storageFailures, m.offlineArtifacts)
	return m
}

// RetryScheduled counts one retry of operation.
func (m *Metrics) RetryScheduled(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// FragmentAppended counts one streamed fragment.
func (m *Metrics) FragmentAppended() {
	if m == nil {
		return
	}
	m.fragments.Inc()
}

// StreamFailed counts one rolled back reply.
func (m *Metrics) StreamFailed() {
	if m == nil {
		return
	}
	m.streamFailures.Inc()
}

// StorageFailed counts one failed write scope in component.
func (m *Metrics) StorageFailed(component string) {
	if m == nil {
		return
	}
	m.storageFailures.WithLabelValues(component).Inc()
}

// SetOfflineArtifacts records the size of the offline index.
func (m *Metrics) SetOfflineArtifacts(n int) {
	if m == nil {
		return
	}
	m.offlineArtifacts.Set(float64(n))
}
