package proxy

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vnmchuo/quota-gateway/internal/logger"
	"github.com/vnmchuo/quota-gateway/internal/telemetry"
)

// Routes mounts the public, tenant and admin endpoints. authMiddleware
// guards every /v1 route except admin, which checks X-Admin-Token itself.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(telemetry.Middleware)
	r.Use(requestLogger(h.log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "quota-gateway"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/completions", h.HandleComplete)
		r.Post("/v1/chat/completions", h.HandleComplete)
		r.Get("/v1/usage", h.HandleUsage)
	})
	r.Post("/v1/admin/tenants/{tenantID}/reset", h.HandleReset)

	return r
}

// requestLogger emits one line per request and hands a request-scoped
// logger down through the context.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLog := log.With(zap.String("trace_id", chimiddleware.GetReqID(r.Context())))
			ctx := logger.ContextWithLogger(r.Context(), reqLog)

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLog.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
