// Package metrics wires the dispatch outcome counters and histograms spec
// §4.M names against a private registry, not the global default one, so
// tests across packages never collide on double registration. Names are
// namespace-qualified.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "dispatch"
)

// Metrics holds the handles the Dispatch Loop, Completion Handler and
// Connection Supervisor record against. All per-iteration counters are
// labeled by environment_id per spec §4.M.
type Metrics struct {
	registry *prometheus.Registry

	IterationsTotal *prometheus.CounterVec
	WindowRollovers *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	RegistrySize    *prometheus.GaugeVec
}

// New builds a fresh private registry and registers every metric. No
// subsystem split: this dispatcher has exactly one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		IterationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Dispatch loop iterations by outcome.",
		}, []string{"environment_id", "outcome"}),
		WindowRollovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_rollovers_total",
			Help:      "Trace window rollovers.",
		}, []string{"environment_id"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Time from attempt start to completion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"environment_id"}),
		RegistrySize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_size",
			Help:      "Worker versions currently registered.",
		}, []string{"environment_id"}),
	}

	reg.MustRegister(m.IterationsTotal, m.WindowRollovers, m.AttemptDuration, m.RegistrySize)
	return m
}

// Registry exposes the underlying prometheus.Registry for the admin HTTP
// server's promhttp.HandlerFor call.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
