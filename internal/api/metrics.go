package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumyxel/dataforge/internal/model"
)

const unmatched = "unmatched"

// Submission modes, used as the mode label of submissionsTotal.
const (
	modeSync  = "sync"
	modeAsync = "async"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataforge_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dataforge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataforge_submissions_total",
			Help: "Submissions run through the HTTP API, by mode and final status.",
		},
		[]string{"mode", "status"},
	)

	submissionItems = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dataforge_submission_items",
			Help:    "Number of items per submission run through the HTTP API.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(submissionsTotal)
	prometheus.MustRegister(submissionItems)

	for _, mode := range []string{modeSync, modeAsync} {
		for _, status := range []string{model.SubmissionCompleted, model.SubmissionFailed} {
			submissionsTotal.WithLabelValues(mode, status)
		}
	}
}

// recordSubmission counts a finished submission and its size.
func recordSubmission(mode, status string, items int) {
	submissionsTotal.WithLabelValues(mode, status).Inc()
	submissionItems.Observe(float64(items))
}

// metricsMiddleware records request count and duration for every HTTP request.
// Uses the chi route pattern (not the raw path) to avoid unbounded cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
