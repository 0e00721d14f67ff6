package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	extractDuration *prometheus.HistogramVec
	superseded      *prometheus.CounterVec
	droppedTicks    prometheus.Counter
	droppedEvents   prometheus.Counter
	loads           *prometheus.CounterVec
	propagations    *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		extractDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mpr",
			Name:      "slice_extract_seconds",
			Help:      "Time to extract and publish one slice.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"view"}),
		superseded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpr",
			Name:      "slice_superseded_total",
			Help:      "Extractions canceled or discarded because a newer request arrived.",
		}, []string{"view"}),
		droppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mpr",
			Name:      "playback_dropped_ticks_total",
			Help:      "Playback ticks dropped while the previous frame was in flight.",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mpr",
			Name:      "dropped_events_total",
			Help:      "Events not delivered because a subscriber buffer was full.",
		}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpr",
			Name:      "loads_total",
			Help:      "Volume and mask loads by kind and result.",
		}, []string{"kind", "result"}),
		propagations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpr",
			Name:      "roi_propagations_total",
			Help:      "ROI propagations by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.extractDuration,
		m.superseded,
		m.droppedTicks,
		m.droppedEvents,
		m.loads,
		m.propagations,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveExtraction(view string, d time.Duration) {
	if m == nil {
		return
	}
	m.extractDuration.WithLabelValues(view).Observe(d.Seconds())
}

func (m *Metrics) Superseded(view string) {
	if m == nil {
		return
	}
	m.superseded.WithLabelValues(view).Inc()
}

func (m *Metrics) DroppedTick() {
	if m == nil {
		return
	}
	m.droppedTicks.Inc()
}

func (m *Metrics) DroppedEvent() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}

// Load records one finished load of kind "volume" or "mask".
func (m *Metrics) Load(kind string, err error) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(kind, result(err)).Inc()
}

func (m *Metrics) Propagation(err error) {
	if m == nil {
		return
	}
	m.propagations.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
