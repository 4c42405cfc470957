package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DaanHessen/fitcheck/internal/engine"
)

const namespace = "fitcheck"

// Metrics holds the application collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight   prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	generations    *prometheus.CounterVec
	generationTime *prometheus.HistogramVec
	decisions      *prometheus.CounterVec
	sessions       prometheus.Gauge
}

// New registers all collectors. withRuntime adds the Go and process
// collectors.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "inflight_requests",
			Help: "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"method", "route"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "generation", Name: "calls_total",
			Help: "Image generation calls by kind and outcome.",
		}, []string{"kind", "status"}),
		generationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "generation", Name: "duration_seconds",
			Help:    "Duration of image generation calls.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"kind"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "decisions_total",
			Help: "Credit gate decisions.",
		}, []string{"outcome"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "active",
			Help: "Number of live dressing sessions.",
		}),
	}
	m.Registry.MustRegister(m.httpInFlight, m.httpRequests, m.httpDuration,
		m.generations, m.generationTime, m.decisions, m.sessions)
	if withRuntime {
		m.Registry.MustRegister(
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewGoCollector(),
		)
	}
	return m
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Instrument records HTTP metrics labelled by the chi route pattern.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

// ObserveGeneration implements imagegen.Observer.
func (m *Metrics) ObserveGeneration(kind string, took time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.generations.WithLabelValues(kind, status).Inc()
	m.generationTime.WithLabelValues(kind).Observe(took.Seconds())
}

// ObserveDecision counts a gate decision.
func (m *Metrics) ObserveDecision(d engine.Decision) {
	switch {
	case d.Allowed && d.Charged:
		m.decisions.WithLabelValues("charged").Inc()
	case d.Allowed:
		m.decisions.WithLabelValues("free").Inc()
	default:
		m.decisions.WithLabelValues(string(d.Reason)).Inc()
	}
}

// SetSessions reports the number of live sessions.
func (m *Metrics) SetSessions(n int) { m.sessions.Set(float64(n)) }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
