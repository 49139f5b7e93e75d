package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

const namespace = "plantcare"

type HTTPServerMetrics struct {
	registry *prometheus.Registry
	service  string

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	pipelineRunsTotal        *prometheus.CounterVec
	pipelineTransitionsTotal *prometheus.CounterVec
	pipelineRunDuration      *prometheus.HistogramVec
	modelState               prometheus.Gauge
	speciesSearchesTotal     *prometheus.CounterVec
	retriesTotal             *prometheus.CounterVec
	breakerOpen              *prometheus.GaugeVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "in_flight_requests",
			Help:        "Number of in-flight HTTP requests.",
			ConstLabels: constLabels,
		},
	)
	pipelineRunsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pipeline",
			Name:        "runs_total",
			Help:        "Diagnosis runs that reached a terminal state.",
			ConstLabels: constLabels,
		},
		[]string{"state", "failure"},
	)
	pipelineTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pipeline",
			Name:        "transitions_total",
			Help:        "Committed pipeline state transitions.",
			ConstLabels: constLabels,
		},
		[]string{"state"},
	)
	pipelineRunDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "pipeline",
			Name:        "run_duration_seconds",
			Help:        "Time from submission to terminal state.",
			Buckets:     []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
			ConstLabels: constLabels,
		},
		[]string{"state"},
	)
	modelState := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "model_state",
			Help:        "Classification engine state: 0 unloaded, 1 loading, 2 ready.",
			ConstLabels: constLabels,
		},
	)
	speciesSearchesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "species",
			Name:        "searches_total",
			Help:        "Species searches by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)
	retriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "resilience",
			Name:        "retries_total",
			Help:        "Retried remote calls by operation.",
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)
	breakerOpen := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "resilience",
			Name:        "circuit_open",
			Help:        "1 while the operation's circuit breaker is not closed.",
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		pipelineRunsTotal,
		pipelineTransitionsTotal,
		pipelineRunDuration,
		modelState,
		speciesSearchesTotal,
		retriesTotal,
		breakerOpen,
	)

	return &HTTPServerMetrics{
		registry:                 registry,
		service:                  service,
		requestTotal:             requestTotal,
		requestDuration:          requestDuration,
		requestInFlight:          requestInFlight,
		pipelineRunsTotal:        pipelineRunsTotal,
		pipelineTransitionsTotal: pipelineTransitionsTotal,
		pipelineRunDuration:      pipelineRunDuration,
		modelState:               modelState,
		speciesSearchesTotal:     speciesSearchesTotal,
		retriesTotal:             retriesTotal,
		breakerOpen:              breakerOpen,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			m.service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(m.service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath collapses session ids so the path label stays low-cardinality.
func normalizePath(path string) string {
	const prefix = "/v1/sessions/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := strings.TrimPrefix(path, prefix)
	if _, tail, found := strings.Cut(rest, "/"); found {
		return prefix + "{session_id}/" + tail
	}
	return prefix + "{session_id}"
}

// ObservePipeline records one committed transition of a session pipeline.
func (m *HTTPServerMetrics) ObservePipeline(_ string, snap domain.PipelineSnapshot) {
	m.pipelineTransitionsTotal.WithLabelValues(string(snap.State)).Inc()
	if !snap.State.Terminal() {
		return
	}

	failure := ""
	if snap.Failure != nil {
		failure = string(snap.Failure.Kind)
	}
	m.pipelineRunsTotal.WithLabelValues(string(snap.State), failure).Inc()
	if !snap.StartedAt.IsZero() {
		m.pipelineRunDuration.WithLabelValues(string(snap.State)).Observe(snap.UpdatedAt.Sub(snap.StartedAt).Seconds())
	}
}

func (m *HTTPServerMetrics) SetModelState(state domain.EngineState) {
	switch state {
	case domain.EngineLoading:
		m.modelState.Set(1)
	case domain.EngineReady:
		m.modelState.Set(2)
	default:
		m.modelState.Set(0)
	}
}

func (m *HTTPServerMetrics) RecordSpeciesSearch(status string) {
	if status == "" {
		status = "unknown"
	}
	m.speciesSearchesTotal.WithLabelValues(status).Inc()
}

func (m *HTTPServerMetrics) RecordRetry(operation string) {
	m.retriesTotal.WithLabelValues(operation).Inc()
}

func (m *HTTPServerMetrics) SetCircuitOpen(operation string, open bool) {
	value := 0.0
	if open {
		value = 1
	}
	m.breakerOpen.WithLabelValues(operation).Set(value)
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}
