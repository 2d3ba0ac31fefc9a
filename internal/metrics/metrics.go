// Package metrics provides Prometheus instrumentation for the referral engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DistributionRuns counts per-trader distribution runs by terminal state.
	DistributionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refeng_distribution_runs_total",
		Help: "Per-trader distribution runs by outcome",
	}, []string{"state"})

	// DistributedAmount accumulates posted amounts by share kind.
	DistributedAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refeng_distributed_amount_total",
		Help: "Cumulative distributed amount by share kind",
	}, []string{"kind"})

	// DistributionDuration tracks the wall time of a full batch run.
	DistributionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "refeng_distribution_batch_seconds",
		Help:    "Duration of a full distribution batch",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	// MembersRegistered counts registrations by user type.
	MembersRegistered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refeng_members_registered_total",
		Help: "Total member registrations",
	}, []string{"user_type"})

	// LedgerEntriesPosted counts wallet postings by category.
	LedgerEntriesPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refeng_ledger_entries_total",
		Help: "Total ledger entries posted",
	}, []string{"category"})

	// BrokerRequestFailures counts failed calls to the broker API.
	BrokerRequestFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refeng_broker_request_failures_total",
		Help: "Failed broker API calls",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refeng_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "refeng_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
