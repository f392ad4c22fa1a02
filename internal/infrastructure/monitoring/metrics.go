// Package monitoring aggregates engine metrics. Counters and gauges are
// registered on a private prometheus registry and mirrored into a JSON
// snapshot for the host UI stats endpoint.
package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the engine's observability surface. All methods are safe for
// concurrent use; collaborators report through the observer hooks the
// packages expose instead of importing this package.
type Metrics struct {
	registry *prometheus.Registry

	injections     prometheus.Counter
	substitutions  *prometheus.CounterVec
	envelopes      *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	activeSessions prometheus.Gauge

	mu   sync.Mutex
	snap Snapshot
}

// Snapshot is the JSON stats view of the same counters.
type Snapshot struct {
	Injections          int64            `json:"injections"`
	Substitutions       int64            `json:"script_substitutions"`
	EnvelopesIn         int64            `json:"envelopes_in"`
	EnvelopesOut        int64            `json:"envelopes_out"`
	EnvelopesDropped    int64            `json:"envelopes_dropped"`
	PermissionQueueLen  int              `json:"permission_queue_len"`
	ActiveSignaling     int              `json:"active_signaling_sessions"`
	LastSubstituteName  string           `json:"last_substitute_variant,omitempty"`
	DroppedByReason     map[string]int64 `json:"dropped_by_reason,omitempty"`
	EnvelopesByType     map[string]int64 `json:"envelopes_by_type,omitempty"`
}

// New creates the metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		injections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "camstage_injections_total",
			Help: "Completed config injections into the embedded context",
		}),
		substitutions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "camstage_script_substitutions_total",
			Help: "Fallback script substitutions triggered by the size ceiling",
		}, []string{"variant"}),
		envelopes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "camstage_envelopes_total",
			Help: "Envelopes crossing the host/context boundary",
		}, []string{"type", "direction"}),
		dropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "camstage_envelopes_dropped_total",
			Help: "Inbound envelopes dropped before reaching a handler",
		}, []string{"reason"}),
		queueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "camstage_permission_queue_depth",
			Help: "Permission requests pending or queued",
		}),
		activeSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "camstage_signaling_sessions_active",
			Help: "Loopback signaling sessions not yet terminal",
		}),
	}
	m.snap.DroppedByReason = make(map[string]int64)
	m.snap.EnvelopesByType = make(map[string]int64)
	return m
}

// Registry exposes the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordInjection counts one completed injection.
func (m *Metrics) RecordInjection() {
	m.injections.Inc()
	m.mu.Lock()
	m.snap.Injections++
	m.mu.Unlock()
}

// RecordSubstitution counts one ceiling-triggered fallback substitution.
func (m *Metrics) RecordSubstitution(variant string) {
	m.substitutions.WithLabelValues(variant).Inc()
	m.mu.Lock()
	m.snap.Substitutions++
	m.snap.LastSubstituteName = variant
	m.mu.Unlock()
}

// RecordEnvelope counts boundary traffic. Direction is "in" or "out".
func (m *Metrics) RecordEnvelope(msgType, direction string) {
	m.envelopes.WithLabelValues(msgType, direction).Inc()
	m.mu.Lock()
	if direction == "in" {
		m.snap.EnvelopesIn++
	} else {
		m.snap.EnvelopesOut++
	}
	m.snap.EnvelopesByType[msgType]++
	m.mu.Unlock()
}

// RecordDropped counts one dropped inbound message.
func (m *Metrics) RecordDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
	m.mu.Lock()
	m.snap.EnvelopesDropped++
	m.snap.DroppedByReason[reason]++
	m.mu.Unlock()
}

// SetQueueDepth tracks the permission queue.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
	m.mu.Lock()
	m.snap.PermissionQueueLen = depth
	m.mu.Unlock()
}

// SetActiveSessions tracks the signaling session set.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
	m.mu.Lock()
	m.snap.ActiveSignaling = n
	m.mu.Unlock()
}

// Stats returns a copy of the JSON snapshot.
func (m *Metrics) Stats() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.snap
	out.DroppedByReason = make(map[string]int64, len(m.snap.DroppedByReason))
	for k, v := range m.snap.DroppedByReason {
		out.DroppedByReason[k] = v
	}
	out.EnvelopesByType = make(map[string]int64, len(m.snap.EnvelopesByType))
	for k, v := range m.snap.EnvelopesByType {
		out.EnvelopesByType[k] = v
	}
	return out
}
