/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package observability wires the ambient metrics and tracing surface
// of the core: Prometheus counters/histograms for healing executions
// and the named circuit breakers, and an OpenTelemetry tracer
// for the suspension points the concurrency model calls out (store
// reads/writes, lineage rebuilds, schema export, model inference,
// engine apply()).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide Prometheus registration surface. A nil
// *Metrics is valid everywhere it's accepted — every recording method
// on it is a no-op guard, so components can take one unconditionally
// and callers that don't want metrics just never construct one.
type Metrics struct {
	HealingAttempts *prometheus.CounterVec
	HealingDuration *prometheus.HistogramVec
	CircuitState    *prometheus.GaugeVec
}

// NewMetrics builds and registers the self-healing core's Prometheus
// collectors against reg. Pass prometheus.DefaultRegisterer in
// production, or a fresh prometheus.NewRegistry() in tests that need
// isolation from the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HealingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "selfheal",
			Subsystem: "orchestrator",
			Name:      "healing_attempts_total",
			Help:      "Healing executions by terminal status.",
		}, []string{"status"}),
		HealingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "selfheal",
			Subsystem: "orchestrator",
			Name:      "healing_duration_seconds",
			Help:      "Wall-clock time from a healing execution's start to its terminal transition.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "selfheal",
			Subsystem: "breaker",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per dependency: 0=closed, 1=half-open, 2=open.",
		}, []string{"name"}),
	}
	reg.MustRegister(m.HealingAttempts, m.HealingDuration, m.CircuitState)
	return m
}

// ObserveHealingOutcome records one terminal healing execution's
// status and duration. Safe to call on a nil *Metrics.
func (m *Metrics) ObserveHealingOutcome(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HealingAttempts.WithLabelValues(status).Inc()
	m.HealingDuration.WithLabelValues(status).Observe(durationSeconds)
}

// SetCircuitState records a breaker's current state (0/1/2, see
// CircuitState's help text). Safe to call on a nil *Metrics.
func (m *Metrics) SetCircuitState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(name).Set(float64(state))
}
