// Package metrics holds the process-wide Prometheus collectors. It is
// initialized once before component start and one *Metrics is passed to
// every component, so every component shares one registry. The HTTP
// exposition endpoint itself lives outside this package, which only
// registers and updates the collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/1Optic/cortex-dispatcher/internal/errkind"
)

// Metrics bundles the counters and gauges the core increments.
type Metrics struct {
	ErrorsByKind   *prometheus.CounterVec
	InFlightLeases prometheus.Gauge
	AMQPReconnects prometheus.Counter
	SftpSourceState *prometheus.GaugeVec
	FilesDispatched *prometheus.CounterVec
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ErrorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortex_dispatcher",
			Name:      "errors_total",
			Help:      "Count of failures observed, labeled by error kind.",
		}, []string{"kind"}),
		InFlightLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cortex_dispatcher",
			Name:      "inflight_leases",
			Help:      "Number of (source, path) leases currently held by the dispatcher.",
		}),
		AMQPReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cortex_dispatcher",
			Name:      "amqp_reconnects_total",
			Help:      "Count of AMQP gateway reconnections.",
		}),
		SftpSourceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cortex_dispatcher",
			Name:      "sftp_source_state",
			Help:      "Current state machine value per SFTP source (0=Disconnected..4=Failed).",
		}, []string{"source"}),
		FilesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortex_dispatcher",
			Name:      "files_dispatched_total",
			Help:      "Count of confirmed dispatches, labeled by target.",
		}, []string{"target"}),
	}

	reg.MustRegister(m.ErrorsByKind, m.InFlightLeases, m.AMQPReconnects, m.SftpSourceState, m.FilesDispatched)
	return m
}

// CountError increments the error counter for the kind carried by err, if
// any; errors with no recognized kind are counted under "unknown".
func (m *Metrics) CountError(err error) {
	if m == nil || err == nil {
		return
	}
	kind := errkind.FromError(err)
	m.ErrorsByKind.WithLabelValues(string(kind)).Inc()
}
