package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coregx/topicbus"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// RateLimit is the number of API requests allowed per client IP per
	// minute. Zero disables rate limiting.
	RateLimit int

	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewRouter wires the API routes:
//
//	POST   /api/v1/publications/{publication}/messages
//	DELETE /api/v1/publications/{publication}/scheduled/{sequence}
//	GET    /api/v1/subscriptions/{subscription}/messages?count=N
//	GET    /api/v1/subscriptions/{subscription}/deadletters?count=N
//	DELETE /api/v1/subscriptions/{subscription}/deadletters
//	GET    /api/v1/health
//	GET    /metrics
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(h.logger))

	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(rateLimit(cfg.RateLimit, time.Minute))
		}

		r.Get("/health", h.HandleHealth)

		r.Route("/publications/{publication}", func(r chi.Router) {
			r.Post("/messages", h.HandlePublish)
			r.Delete("/scheduled/{sequence}", h.HandleCancelScheduled)
		})

		r.Route("/subscriptions/{subscription}", func(r chi.Router) {
			r.Get("/messages", h.HandlePeekActive)
			r.Get("/deadletters", h.HandlePeekDLQ)
			r.Delete("/deadletters", h.HandleEmptyDLQ)
		})
	})

	return r
}

// rateLimit limits requests per client IP with a sliding window.
func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"Too many requests","code":"RATE_LIMITED"}`))
		}),
	)
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(logger topicbus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debugf("%s %s %d - %v", r.Method, r.URL.Path, ww.Status(), time.Since(start))
		})
	}
}
