package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/agentmeter/agentmeter/internal/api"
	"github.com/agentmeter/agentmeter/internal/audit"
	"github.com/agentmeter/agentmeter/internal/auth"
	"github.com/agentmeter/agentmeter/internal/cancel"
	"github.com/agentmeter/agentmeter/internal/config"
	"github.com/agentmeter/agentmeter/internal/database"
	"github.com/agentmeter/agentmeter/internal/events"
	"github.com/agentmeter/agentmeter/internal/ledger"
	"github.com/agentmeter/agentmeter/internal/limiter"
	mw "github.com/agentmeter/agentmeter/internal/middleware"
	"github.com/agentmeter/agentmeter/internal/points"
	iredis "github.com/agentmeter/agentmeter/internal/redis"
	"github.com/agentmeter/agentmeter/internal/server"
	"github.com/agentmeter/agentmeter/internal/stream"
	"github.com/agentmeter/agentmeter/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// PostgreSQL
	if err := database.RunMigrations(cfg.DB.DSN(), "migrations"); err != nil {
		slog.Error("migrating database", "error", err)
		os.Exit(1)
	}
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Redis: one client for commands, one dedicated to pub/sub
	// subscriptions.
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	subClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis (subscriber)", "error", err)
		os.Exit(1)
	}
	defer subClient.Close()

	// NATS JetStream (optional)
	var eventsClient *events.Client
	var publisher *events.Publisher
	if cfg.NATS.Enabled {
		eventsClient, err = events.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to nats", "error", err)
			os.Exit(1)
		}
		defer eventsClient.Close()
		publisher = events.NewPublisher(eventsClient.JetStream())
	}

	// Limiters
	bucket := limiter.NewTokenBucket(redisClient, cfg.Limits.Tiers)
	window := limiter.NewSlidingWindow(redisClient, cfg.Limits.FreeRequestsPerWindow, cfg.Limits.FreeWindow())
	limitRouter := limiter.NewRouter(window, bucket, publisher)

	// Prepaid ledger
	billing := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(billing, cfg.Limits.ExtraUsageMultiplier)

	// Audit trail
	auditRepo := audit.NewRepository(pool)

	// Usage settlement
	usageSvc := usage.NewService(bucket, ledgerSvc, publisher)

	// Stream lifecycle
	coord := cancel.NewCoordinator(redisClient, subClient, cfg.Streams.PollInterval)
	store := stream.NewStore(redisClient, cfg.Streams.ChunkTTL, cfg.Streams.SnapshotTTL, cfg.Streams.PollInterval)

	// Audit trail consumer
	if eventsClient != nil {
		consumer := audit.NewConsumer(auditRepo, events.NewConsumerManager(eventsClient.JetStream()))
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("audit consumer stopped", "error", err)
			}
		}()
	}

	// Auth
	verifier := auth.NewVerifier(cfg.Auth.TokenSecret)
	claimsFromContext := func(r *http.Request) *api.Claims {
		c := auth.GetClaims(r.Context())
		if c == nil {
			return nil
		}
		return &api.Claims{UserID: c.UserID, Tier: points.Tier(c.Tier)}
	}

	// Router
	handler := api.NewHandler(limitRouter, usageSvc, ledgerSvc, billing, auditRepo, coord, store, claimsFromContext)
	ipLimiter := mw.NewIPRateLimiter(redisClient, 300, 60)
	router := api.NewRouter(pool, redisClient, eventsClient, api.RouterConfig{
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		AuthMiddleware:     auth.Middleware(verifier),
		IPRateLimiter:      ipLimiter.Middleware,
	}, handler)

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
