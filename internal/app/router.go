// Package app assembles the gateway: routing, background maintenance,
// and the orphan sweeper.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/txn-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/txn-gateway/internal/config"
	"github.com/fairyhunter13/txn-gateway/internal/observability"
	"github.com/fairyhunter13/txn-gateway/internal/usecase"
)

// NewRouter builds the HTTP surface. Submission is rate limited per
// client IP; status and health are not.
func NewRouter(cfg config.Config, srv *httpserver.Server, store usecase.Pinger, queue usecase.QueueHealth) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(httpserver.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(cfg.HTTPWriteTimeout))
	r.Use(httpserver.SecurityHeaders)
	r.Use(httpserver.AccessLog)
	r.Use(observability.HTTPMetricsMiddleware)

	if origins := splitOrigins(cfg.CORSAllowOrigins); len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Route("/api", func(api chi.Router) {
		api.With(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute)).
			Post("/transactions", srv.SubmitHandler)
		api.Get("/transactions/{id}", srv.StatusHandler)
		api.Get("/health", srv.HealthHandler)
	})

	// Probes for the orchestrator, outside the /api surface.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if store.Ping(req.Context()) != nil || queue.Ping(req.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
