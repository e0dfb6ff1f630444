// metrics.go: Prometheus instrumentation for installs, activations and tool calls
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runtime's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	installs         *prometheus.CounterVec
	uninstalls       prometheus.Counter
	activations      *prometheus.CounterVec
	active           prometheus.Gauge
	teardownDuration prometheus.Histogram
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		installs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginrt_installs_total",
				Help: "Extension install attempts by outcome",
			},
			[]string{"outcome"},
		),
		uninstalls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pluginrt_uninstalls_total",
				Help: "Extensions removed from the registry",
			},
		),
		activations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginrt_activations_total",
				Help: "Activation attempts by result",
			},
			[]string{"result"},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pluginrt_active_extensions",
				Help: "Number of running extensions (0 or 1)",
			},
		),
		teardownDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pluginrt_teardown_duration_seconds",
				Help:    "Time spent in the teardown hook",
				Buckets: prometheus.DefBuckets,
			},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginrt_tool_dispatches_total",
				Help: "Tool dispatches by result",
			},
			[]string{"result"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pluginrt_tool_dispatch_duration_seconds",
				Help:    "Tool dispatch duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.installs,
			m.uninstalls,
			m.activations,
			m.active,
			m.teardownDuration,
			m.dispatches,
			m.dispatchDuration,
		)
	}
	return m
}

func (m *Metrics) install(outcome InstallOutcome) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) uninstall() {
	if m == nil {
		return
	}
	m.uninstalls.Inc()
}

func (m *Metrics) activation(result string) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(result).Inc()
}

func (m *Metrics) setActive(on bool) {
	if m == nil {
		return
	}
	if on {
		m.active.Set(1)
	} else {
		m.active.Set(0)
	}
}

func (m *Metrics) observeTeardown(d time.Duration) {
	if m == nil {
		return
	}
	m.teardownDuration.Observe(d.Seconds())
}

func (m *Metrics) dispatch(tool, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
	m.dispatchDuration.WithLabelValues(tool).Observe(d.Seconds())
}
