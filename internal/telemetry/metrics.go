package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quota_gateway",
			Name:      "admissions_total",
			Help:      "Pre-flight admission decisions",
		},
		[]string{"outcome"}, // admitted / quota_input / quota_output / counter_unavailable / ledger_unavailable / not_found
	)

	CommittedTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quota_gateway",
			Name:      "committed_tokens_total",
			Help:      "Tokens applied to tenant ledgers",
		},
		[]string{"direction"}, // input / output
	)

	CommitRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quota_gateway",
			Name:      "commit_retries_total",
			Help:      "Ledger commit attempts that failed and were retried",
		},
	)

	ReconciliationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quota_gateway",
			Name:      "reconciliation_events_total",
			Help:      "Reconciliation queue events",
		},
		[]string{"event"}, // enqueued / replayed / requeued / dropped / expired / lost
	)

	StreamTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quota_gateway",
			Name:      "stream_terminal_total",
			Help:      "Streams by terminal state",
		},
		[]string{"provider", "state"},
	)

	MalformedChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quota_gateway",
			Name:      "malformed_chunks_total",
			Help:      "Stream lines that could not be decoded",
		},
		[]string{"provider"},
	)

	EstimatedCountsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quota_gateway",
			Name:      "estimated_counts_total",
			Help:      "Output counts that fell back to the byte estimate",
		},
	)

	OutputOvershootTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quota_gateway",
			Name:      "output_overshoot_total",
			Help:      "Commits that left a tenant above its output limit",
		},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quota_gateway",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		AdmissionsTotal,
		CommittedTokensTotal,
		CommitRetriesTotal,
		ReconciliationTotal,
		StreamTerminalTotal,
		MalformedChunksTotal,
		EstimatedCountsTotal,
		OutputOvershootTotal,
		httpRequestDuration,
	)
}

// Middleware records HTTP request duration by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		path := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		httpRequestDuration.WithLabelValues(r.Method, path, strconv.Itoa(ww.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Flush keeps SSE responses streaming through the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
