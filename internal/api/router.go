package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/agentmeter/agentmeter/internal/database"
	"github.com/agentmeter/agentmeter/internal/events"
	mw "github.com/agentmeter/agentmeter/internal/middleware"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string

	// AuthMiddleware verifies bearer tokens; injected from main.go to
	// avoid an api<->auth import cycle.
	AuthMiddleware func(http.Handler) http.Handler

	// IPRateLimiter optionally guards the API against per-IP abuse.
	IPRateLimiter func(http.Handler) http.Handler
}

func NewRouter(pool *pgxpool.Pool, rdb *goredis.Client, eventsClient *events.Client, cfg RouterConfig, h *Handler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe — always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe — checks Redis, DB, NATS. Redis down means admission
	// fails closed, so readiness goes unhealthy with it.
	readinessHandler := func(w http.ResponseWriter, req *http.Request) {
		health := map[string]string{
			"status":   "healthy",
			"redis":    "healthy",
			"database": "healthy",
			"nats":     "healthy",
		}
		status := http.StatusOK

		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		if err := rdb.Ping(ctx).Err(); err != nil {
			health["redis"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if pool != nil {
			if err := database.HealthCheck(ctx, pool); err != nil {
				health["database"] = "unhealthy"
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
			}
		} else {
			health["database"] = "not configured"
		}

		if eventsClient != nil && !eventsClient.Healthy() {
			health["nats"] = "unhealthy"
			health["status"] = "degraded"
		} else if eventsClient == nil {
			health["nats"] = "not configured"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1 — everything behind auth.
	r.Route("/api/v1", func(r chi.Router) {
		if cfg.IPRateLimiter != nil {
			r.Use(cfg.IPRateLimiter)
		}
		r.Use(cfg.AuthMiddleware)

		r.Route("/ratelimit", func(r chi.Router) {
			r.Post("/check", h.CheckRateLimit)
		})

		r.Route("/usage", func(r chi.Router) {
			r.Post("/deduct", h.Deduct)
			r.Post("/refund", h.Refund)
			r.Get("/balance", h.Balance)
			r.Get("/ledger", h.LedgerEntries)
		})

		r.Get("/audit", h.AuditLogs)

		r.Route("/chats/{chatID}", func(r chi.Router) {
			r.Post("/cancel", h.Cancel)
			r.Get("/stream", h.Stream)
		})
	})

	return r
}
