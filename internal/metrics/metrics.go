package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	frameDuration  *prometheus.HistogramVec
	verdictsTotal  *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec
	inFlight       *prometheus.GaugeVec
	observers      prometheus.Gauge
	droppedTotal   prometheus.Counter
	pipelinesTotal *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry: registry,

		frameDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fieldop_frame_evaluation_duration_seconds",
				Help:    "Duration of a single capability evaluation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "outcome"},
		),
		verdictsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldop_verdicts_total",
				Help: "Verdicts reported to observers",
			},
			[]string{"type", "status"},
		),
		eventsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldop_detection_events_total",
				Help: "Keyword detection events",
			},
			[]string{"operation"},
		),
		inFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fieldop_capability_in_flight",
				Help: "Capability evaluations currently running",
			},
			[]string{"operation"},
		),
		observers: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "fieldop_observers",
				Help: "Connected result observers",
			},
		),
		droppedTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "fieldop_observers_pruned_total",
				Help: "Observers removed after a failed delivery",
			},
		),
		pipelinesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldop_pipelines_total",
				Help: "Finished pipeline runs",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFrame(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.frameDuration.WithLabelValues(operation, outcome).Observe(d.Seconds())
}

func (m *Metrics) IncVerdict(kind, status string) {
	if m == nil {
		return
	}
	m.verdictsTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) IncEvent(operation string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) AddInFlight(operation string, delta float64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(operation).Add(delta)
}

func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.observers.Set(float64(n))
}

func (m *Metrics) IncPruned() {
	if m == nil {
		return
	}
	m.droppedTotal.Inc()
}

func (m *Metrics) IncPipeline(result string) {
	if m == nil {
		return
	}
	m.pipelinesTotal.WithLabelValues(result).Inc()
}
