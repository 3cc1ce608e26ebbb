package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/dkarpele/geocdn/internal/logger"
	"github.com/dkarpele/geocdn/pkg/metrics"
	"github.com/dkarpele/geocdn/pkg/ratelimit"
)

// NewRouter creates and configures the chi router with all middleware
// and routes.
//
// Middleware stack, in order: request id, real IP extraction, request
// logging, panic recovery, request timeout, metrics, rate limiting.
//
// Routes (prefix /api/v1/films):
//   - GET    /{object_name}         redirect to the closest node
//   - GET    /{object_name}/status  ingest status on the origin
//   - POST   /object                multipart/form-data upload
//   - DELETE /object                remove from all nodes
//
// GET /health is the unauthenticated liveness probe.
func NewRouter(h *Handler, limiter *ratelimit.Limiter, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(observeRequests(m))

	r.Get("/health", h.Health)

	r.Route("/api/v1/films", func(r chi.Router) {
		r.Use(rateLimit(limiter))

		r.Post("/object", h.Upload)
		r.Delete("/object", h.Delete)
		r.Get("/{object_name}", h.Redirect)
		r.Get("/{object_name}/status", h.Status)
	})

	return r
}

// requestLogger logs request start at DEBUG and completion at INFO.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := chimiddleware.GetReqID(r.Context())

		logger.Debug("request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}

// observeRequests records per-route counters and latency. The route
// pattern is read after serving so path parameters collapse into one
// label value.
func observeRequests(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveRequest(r.Method, route, ww.Status(), time.Since(start).Seconds())
		})
	}
}

// rateLimit rejects clients over their per-minute budget with 429.
func rateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := limiter.Allow(r.Context(), clientIP(r)); err != nil {
				if errors.Is(err, ratelimit.ErrRateLimited) {
					logger.Warn("rate limited", "client", clientIP(r), "path", r.URL.Path)
					text(w, http.StatusTooManyRequests, "too many requests")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
