package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

// WorkerMetrics instruments the diagnosis event consumer.
type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	eventsTotal    *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	eventsInFlight prometheus.Gauge
	deliveryLag    *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "diagnosis_events_total",
			Help:      "Consumed diagnosis events by terminal state and failure kind.",
		},
		[]string{"service", "state", "failure"},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "diagnosis_run_duration_seconds",
			Help:      "Reported run duration of consumed diagnosis events.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"service", "state"},
	)
	eventsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "diagnosis_events_in_flight",
			Help:      "Number of diagnosis events being handled.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	deliveryLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "delivery_lag_seconds",
			Help:      "Delay between a run reaching its terminal state and the event being handled.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"service"},
	)

	registry.MustRegister(eventsTotal, runDuration, eventsInFlight, deliveryLag)

	return &WorkerMetrics{
		registry:       registry,
		service:        service,
		eventsTotal:    eventsTotal,
		runDuration:    runDuration,
		eventsInFlight: eventsInFlight,
		deliveryLag:    deliveryLag,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartEvent() {
	m.eventsInFlight.Inc()
}

func (m *WorkerMetrics) FinishEvent(event domain.DiagnosisEvent, handledAt time.Time) {
	m.eventsInFlight.Dec()

	m.eventsTotal.WithLabelValues(m.service, string(event.State), string(event.FailureKind)).Inc()
	if event.DurationMS > 0 {
		m.runDuration.WithLabelValues(m.service, string(event.State)).Observe(float64(event.DurationMS) / 1000)
	}
	if !event.OccurredAt.IsZero() {
		if lag := handledAt.Sub(event.OccurredAt); lag >= 0 {
			m.deliveryLag.WithLabelValues(m.service).Observe(lag.Seconds())
		}
	}
}
