// Package metrics exposes the lookup service's Prometheus instrumentation:
// gauges for the directory size (nodes, jobs, processes) and counters for
// protocol traffic. The gauges are driven off the registry event bus so they
// can never drift from the directory itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oca159/gaffer/internal/registry"
)

// Metrics holds the collectors for one lookup service instance. A nil
// *Metrics is valid and records nothing, so instrumentation stays optional.
type Metrics struct {
	connectedNodes  prometheus.Gauge
	identifiedNodes prometheus.Gauge
	jobs            prometheus.Gauge
	processes       prometheus.Gauge

	framesTotal *prometheus.CounterVec
	errorsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gaffer",
			Subsystem: "lookupd",
			Name:      "connected_nodes",
			Help:      "Number of node connections currently registered.",
		}),
		identifiedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gaffer",
			Subsystem: "lookupd",
			Name:      "identified_nodes",
			Help:      "Number of registered nodes that have identified.",
		}),
		jobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gaffer",
			Subsystem: "lookupd",
			Name:      "jobs",
			Help:      "Number of (node, job) registrations in the directory.",
		}),
		processes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gaffer",
			Subsystem: "lookupd",
			Name:      "processes",
			Help:      "Number of process ids currently tracked.",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gaffer",
			Subsystem: "lookupd",
			Name:      "frames_total",
			Help:      "Protocol frames received, by verb.",
		}, []string{"verb"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gaffer",
			Subsystem: "lookupd",
			Name:      "errors_total",
			Help:      "Error responses sent, by code.",
		}, []string{"code"}),
	}

	reg.MustRegister(
		m.connectedNodes,
		m.identifiedNodes,
		m.jobs,
		m.processes,
		m.framesTotal,
		m.errorsTotal,
	)
	return m
}

// ObserveFrame counts one received protocol frame.
func (m *Metrics) ObserveFrame(verb string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(verb).Inc()
}

// ObserveError counts one error response.
func (m *Metrics) ObserveError(code string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(code).Inc()
}

// Observe is a registry event callback (see registry.BindAll) that keeps the
// directory gauges current.
func (m *Metrics) Observe(event string, payload any) {
	if m == nil {
		return
	}
	switch event {
	case registry.EventAddNode:
		m.connectedNodes.Inc()
	case registry.EventRemoveNode:
		m.connectedNodes.Dec()
		if n, ok := payload.(registry.Node); ok && n.Identified {
			m.identifiedNodes.Dec()
		}
	case registry.EventIdentify:
		m.identifiedNodes.Inc()
	case registry.EventAddJob:
		m.jobs.Inc()
	case registry.EventRemoveJob:
		m.jobs.Dec()
	case registry.EventAddProcess:
		m.processes.Inc()
	case registry.EventRemoveProcess:
		m.processes.Dec()
	}
}
