// Package metrics exposes Prometheus instrumentation for the gateway's
// validation and execution activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all gateway collectors. One instance per process.
type Metrics struct {
	validationDenials *prometheus.CounterVec
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	sshCommands       *prometheus.CounterVec
	sshReconnects     *prometheus.CounterVec
	pooledSessions    prometheus.Gauge
}

// New builds and registers the gateway collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		validationDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shellgate",
				Subsystem: "policy",
				Name:      "denials_total",
				Help:      "Requests rejected by the validation chain, by rule.",
			},
			[]string{"rule"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shellgate",
				Subsystem: "executor",
				Name:      "commands_total",
				Help:      "Local command executions partitioned by shell and result.",
			},
			[]string{"shell", "result"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "shellgate",
				Subsystem: "executor",
				Name:      "command_duration_seconds",
				Help:      "Wall time of local command executions.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"shell"},
		),
		sshCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shellgate",
				Subsystem: "ssh",
				Name:      "commands_total",
				Help:      "Remote command executions partitioned by connection and result.",
			},
			[]string{"connection", "result"},
		),
		sshReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shellgate",
				Subsystem: "ssh",
				Name:      "reconnects_total",
				Help:      "Automatic reconnect attempts per connection.",
			},
			[]string{"connection"},
		),
		pooledSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "shellgate",
				Subsystem: "ssh",
				Name:      "pooled_sessions",
				Help:      "Number of sessions currently pooled.",
			},
		),
	}

	reg.MustRegister(
		m.validationDenials,
		m.executions,
		m.executionDuration,
		m.sshCommands,
		m.sshReconnects,
		m.pooledSessions,
	)
	return m
}

// RecordDenial counts one validation rejection.
func (m *Metrics) RecordDenial(rule string) {
	if m == nil || rule == "" {
		return
	}
	m.validationDenials.WithLabelValues(rule).Inc()
}

// RecordExecution counts one local execution.
func (m *Metrics) RecordExecution(shell, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(shell, result).Inc()
	m.executionDuration.WithLabelValues(shell).Observe(duration.Seconds())
}

// RecordSSHCommand counts one remote execution.
func (m *Metrics) RecordSSHCommand(connection, result string) {
	if m == nil {
		return
	}
	m.sshCommands.WithLabelValues(connection, result).Inc()
}

// RecordSSHReconnect counts one automatic reconnect attempt.
func (m *Metrics) RecordSSHReconnect(connection string) {
	if m == nil {
		return
	}
	m.sshReconnects.WithLabelValues(connection).Inc()
}

// SetPooledSessions tracks the pool gauge.
func (m *Metrics) SetPooledSessions(n int) {
	if m == nil {
		return
	}
	m.pooledSessions.Set(float64(n))
}
