// Package metrics exposes Prometheus metrics for the filament changer
// host: operation outcomes, typed error counts, tension assist
// activity, and lane occupancy gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collectors, registered on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	// OperationsTotal counts routing operations by kind and result.
	OperationsTotal *prometheus.CounterVec

	// ErrorsTotal counts typed routing errors by code.
	ErrorsTotal *prometheus.CounterVec

	// AssistFeedsTotal counts completed tension assist feeds.
	AssistFeedsTotal prometheus.Counter

	// AssistDroppedTotal counts assist edges dropped by reason
	// (debounce, busy, fault, disabled).
	AssistDroppedTotal *prometheus.CounterVec

	// SelectorHomesTotal counts completed selector homing cycles.
	SelectorHomesTotal prometheus.Counter

	// LanesLoadedToHub gauges how many lanes are parked in the hub buffer.
	LanesLoadedToHub prometheus.Gauge

	// ToolLoadedLane gauges the lane index occupying the toolhead (0 = none).
	ToolLoadedLane prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afc",
			Name:      "operations_total",
			Help:      "Routing operations by kind and result.",
		}, []string{"operation", "result"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afc",
			Name:      "errors_total",
			Help:      "Typed routing errors by code.",
		}, []string{"code"}),
		AssistFeedsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afc",
			Name:      "assist_feeds_total",
			Help:      "Completed tension assist feeds.",
		}),
		AssistDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afc",
			Name:      "assist_dropped_total",
			Help:      "Tension assist edges dropped by reason.",
		}, []string{"reason"}),
		SelectorHomesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afc",
			Name:      "selector_homes_total",
			Help:      "Completed selector homing cycles.",
		}),
		LanesLoadedToHub: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "afc",
			Name:      "lanes_loaded_to_hub",
			Help:      "Lanes currently parked in the hub buffer.",
		}),
		ToolLoadedLane: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "afc",
			Name:      "tool_loaded_lane",
			Help:      "Lane index occupying the toolhead, 0 when empty.",
		}),
	}

	m.Registry.MustRegister(
		m.OperationsTotal,
		m.ErrorsTotal,
		m.AssistFeedsTotal,
		m.AssistDroppedTotal,
		m.SelectorHomesTotal,
		m.LanesLoadedToHub,
		m.ToolLoadedLane,
	)
	return m
}
