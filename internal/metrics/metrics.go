// Package metrics exposes scale counters and gauges for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/smartscale/internal/appstate"
	"github.com/sweeney/smartscale/internal/logic"
)

// Metrics holds the collectors, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Reading       prometheus.Gauge
	StableWeight  prometheus.Gauge
	StableEvents  *prometheus.CounterVec
	Posts         *prometheus.CounterVec
	SpoolDepth    prometheus.Gauge
	Spooled       prometheus.Counter
	Replayed      prometheus.Counter
	ButtonEvents  *prometheus.CounterVec
	ButtonDropped prometheus.Counter
	Calibrations  *prometheus.CounterVec
	StateBits     *prometheus.GaugeVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Reading: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartscale_reading",
			Help: "Latest averaged reading in calibrated units",
		}),
		StableWeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartscale_stable_weight",
			Help: "Last accepted stable weight",
		}),
		StableEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartscale_stable_events_total",
			Help: "Stable weight changes by direction",
		}, []string{"direction"}),
		Posts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartscale_posts_total",
			Help: "Server posts by kind and result",
		}, []string{"kind", "result"}),
		SpoolDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartscale_spool_depth",
			Help: "Records waiting in the offline spool",
		}),
		Spooled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartscale_spooled_total",
			Help: "Weight records written to the offline spool",
		}),
		Replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartscale_replayed_total",
			Help: "Spooled records delivered to the server",
		}),
		ButtonEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartscale_button_events_total",
			Help: "Button gestures by type",
		}, []string{"type"}),
		ButtonDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartscale_button_events_dropped_total",
			Help: "Button gestures dropped because the queue was full",
		}),
		Calibrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartscale_calibrations_total",
			Help: "Calibration runs by result",
		}, []string{"result"}),
		StateBits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smartscale_state_bit",
			Help: "Shared state bits, 1 when set",
		}, []string{"bit"}),
	}

	m.registry.MustRegister(
		m.Reading,
		m.StableWeight,
		m.StableEvents,
		m.Posts,
		m.SpoolDepth,
		m.Spooled,
		m.Replayed,
		m.ButtonEvents,
		m.ButtonDropped,
		m.Calibrations,
		m.StateBits,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveState publishes every named bit as 0 or 1.
func (m *Metrics) ObserveState(bits appstate.Bits) {
	for _, b := range appstate.AllBits() {
		v := 0.0
		if bits.Has(b) {
			v = 1
		}
		m.StateBits.WithLabelValues(b.Names()[0]).Set(v)
	}
}

// ObserveStable records a stable weight event.
func (m *Metrics) ObserveStable(ev logic.StableEvent) {
	m.StableWeight.Set(ev.Value)
	m.StableEvents.WithLabelValues(string(ev.Direction)).Inc()
}

// ObservePost records a server post outcome.
func (m *Metrics) ObservePost(kind string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Posts.WithLabelValues(kind, result).Inc()
}

// ObserveButton records a button gesture.
func (m *Metrics) ObserveButton(ev logic.ButtonEvent) {
	m.ButtonEvents.WithLabelValues(ev.Type.String()).Inc()
}
