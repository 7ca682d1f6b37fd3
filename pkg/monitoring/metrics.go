/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: metrics.go
Description: Prometheus metrics for Packet Storm sessions. Collectors are registered on an
explicit registerer so tests and embedded engines can keep isolated registries.
*/

package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "packetstorm"

// Metrics holds every collector the engine, scheduler and stability runner update
type Metrics struct {
	PacketsSent      *prometheus.CounterVec
	PacketsFailed    *prometheus.CounterVec
	BytesSent        *prometheus.CounterVec
	AnomaliesApplied *prometheus.CounterVec
	SessionState     *prometheus.GaugeVec
	SendRate         *prometheus.GaugeVec
	SendLatency      *prometheus.HistogramVec
	MemoryRSS        prometheus.Gauge
	TrackedFlows     prometheus.Gauge
	Tasks            *prometheus.GaugeVec

	mu     sync.Mutex
	states map[string]string
}

// NewMetrics creates and registers the collectors on reg; nil reg leaves them unregistered
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PacketsSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_sent_total",
				Help:      "Total number of packets handed to the transport successfully",
			},
			[]string{"session", "anomaly"},
		),
		PacketsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_failed_total",
				Help:      "Total number of packets that failed to build or send",
			},
			[]string{"session", "anomaly"},
		),
		BytesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_sent_total",
				Help:      "Total number of bytes sent",
			},
			[]string{"session"},
		),
		AnomaliesApplied: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_applied_total",
				Help:      "Total number of anomaly applications",
			},
			[]string{"session", "anomaly"},
		),
		SessionState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_state",
				Help:      "1 for the current state of each session, 0 otherwise",
			},
			[]string{"session", "state"},
		),
		SendRate: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "send_rate_pps",
				Help:      "Average send rate of the session in packets per second",
			},
			[]string{"session"},
		),
		SendLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_latency_seconds",
				Help:      "Time spent inside Transport.Send",
				Buckets:   prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
			},
			[]string{"session"},
		),
		MemoryRSS: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_rss_bytes",
				Help:      "Resident set size sampled at the last checkpoint",
			},
		),
		TrackedFlows: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tracked_flows",
				Help:      "Number of TCP flows in the flow tracker",
			},
		),
		Tasks: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_tasks",
				Help:      "Number of scheduled tasks by state",
			},
			[]string{"state"},
		),
		states: make(map[string]string),
	}
}

// RecordSent counts one delivered packet
func (m *Metrics) RecordSent(session, anomaly string, bytes int) {
	m.PacketsSent.WithLabelValues(session, anomaly).Inc()
	m.BytesSent.WithLabelValues(session).Add(float64(bytes))
}

// RecordFailed counts one failed packet
func (m *Metrics) RecordFailed(session, anomaly string) {
	m.PacketsFailed.WithLabelValues(session, anomaly).Inc()
}

// RecordAnomaly counts one anomaly application
func (m *Metrics) RecordAnomaly(session, anomaly string) {
	m.AnomaliesApplied.WithLabelValues(session, anomaly).Inc()
}

// ObserveSend records the duration of one transport send
func (m *Metrics) ObserveSend(session string, seconds float64) {
	m.SendLatency.WithLabelValues(session).Observe(seconds)
}

// SetState marks state as the current state of session
func (m *Metrics) SetState(session, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.states[session]; ok && prev != state {
		m.SessionState.WithLabelValues(session, prev).Set(0)
	}
	m.states[session] = state
	m.SessionState.WithLabelValues(session, state).Set(1)
}

// SetSendRate publishes the session's average send rate
func (m *Metrics) SetSendRate(session string, pps float64) {
	m.SendRate.WithLabelValues(session).Set(pps)
}

// SetMemoryRSS publishes a sampled resident set size
func (m *Metrics) SetMemoryRSS(bytes uint64) {
	m.MemoryRSS.Set(float64(bytes))
}

// SetTrackedFlows publishes the flow table size
func (m *Metrics) SetTrackedFlows(n int) {
	m.TrackedFlows.Set(float64(n))
}

// SetTasks publishes per-state task counts; states missing from counts are set to zero
func (m *Metrics) SetTasks(counts map[string]int, states []string) {
	for _, s := range states {
		m.Tasks.WithLabelValues(s).Set(float64(counts[s]))
	}
}
