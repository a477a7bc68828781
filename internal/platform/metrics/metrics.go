// Package metrics exposes Prometheus collectors for the HTTP layer and the
// book domain.
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
)

const namespace = "bookshelf"

// Metrics owns a registry and the collectors registered on it.
// Each instance is independent, so tests can create their own.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight    prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	booksCreated    prometheus.Counter
	booksDeleted    prometheus.Counter
	ratings         *prometheus.CounterVec
	imageCleanup    *prometheus.CounterVec
	topRatedLookups *prometheus.CounterVec
}

// New builds a Metrics instance with Go runtime and process collectors
// registered alongside the application collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
		booksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "books_created_total",
			Help:      "Total number of books created.",
		}),
		booksDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "books_deleted_total",
			Help:      "Total number of books deleted.",
		}),
		ratings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratings_total",
			Help:      "Rating attempts by outcome.",
		}, []string{"outcome"}),
		imageCleanup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_cleanup_failures_total",
			Help:      "Image files that could not be removed.",
		}, []string{"kind"}),
		topRatedLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "top_rated_cache_lookups_total",
			Help:      "Top-rated cache lookups by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.booksCreated,
		m.booksDeleted,
		m.ratings,
		m.imageCleanup,
		m.topRatedLookups,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// BookCreated increments the created-books counter.
func (m *Metrics) BookCreated() { m.booksCreated.Inc() }

// BookDeleted increments the deleted-books counter.
func (m *Metrics) BookDeleted() { m.booksDeleted.Inc() }

// RatingRecorded counts a rating attempt. outcome is one of "accepted",
// "duplicate" or "rejected".
func (m *Metrics) RatingRecorded(outcome string) {
	m.ratings.WithLabelValues(outcome).Inc()
}

// ImageCleanupFailed counts an image file left behind. kind is "staged" for
// raw uploads and "stored" for ingested images.
func (m *Metrics) ImageCleanupFailed(kind string) {
	m.imageCleanup.WithLabelValues(kind).Inc()
}

// TopRatedLookup counts a cache lookup; hit reports whether it was served
// from the cache.
func (m *Metrics) TopRatedLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.topRatedLookups.WithLabelValues(result).Inc()
}

// InstrumentHandler wraps next with request count, latency and in-flight
// metrics. Requests are labelled by chi route pattern to keep cardinality
// bounded.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
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

		route := routePattern(r)
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
