// Package main is the entry point for the lead inbox daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-inbox/internal/apperr"
	"github.com/capitalize-ai/lead-inbox/internal/cache"
	"github.com/capitalize-ai/lead-inbox/internal/config"
	"github.com/capitalize-ai/lead-inbox/internal/gateway"
	"github.com/capitalize-ai/lead-inbox/internal/handler"
	"github.com/capitalize-ai/lead-inbox/internal/middleware"
	natsclient "github.com/capitalize-ai/lead-inbox/internal/nats"
	"github.com/capitalize-ai/lead-inbox/internal/service"
	"github.com/capitalize-ai/lead-inbox/internal/session"
	"github.com/capitalize-ai/lead-inbox/internal/view"
	"github.com/capitalize-ai/lead-inbox/internal/visibility"
	"github.com/capitalize-ai/lead-inbox/pkg/logger"
	"github.com/capitalize-ai/lead-inbox/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting inbox daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "lead-inbox", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	cache.ConfigureShared(cache.Options{MaxSize: cfg.CacheMaxSize, DefaultTTL: cfg.CacheTTL})
	pipeline := apperr.Default()

	// Session
	tokens := session.NewTokenAccessor(cfg.JWTSecret)
	if cfg.SessionToken != "" {
		if err := tokens.SetToken(cfg.SessionToken); err != nil {
			log.Warn("ignoring invalid session token", zap.Error(err))
		}
	}

	// Gateway
	gw, err := gateway.NewClient(gateway.Config{
		BaseURL:   cfg.GatewayURL,
		Timeout:   cfg.GatewayTimeout,
		DedupTTL:  cfg.GatewayDedupTTL,
		DedupSize: cfg.GatewayDedupSize,
		Tokens:    tokens,
	}, log)
	if err != nil {
		log.Error("failed to create gateway client", zap.Error(err))
		os.Exit(1)
	}

	// Error telemetry over NATS
	var natsConn handler.Connectivity
	if cfg.NATSEnabled {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "lead-inbox",
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsClient.Close()
		natsConn = natsClient

		streamManager := natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Error("failed to ensure stream", zap.Error(err))
			os.Exit(1)
		}
		for _, kind := range apperr.Kinds {
			pipeline.RegisterHandler(kind, streamManager.ErrorHandler())
		}
	}

	// Thread synchronization
	pageVisibility := visibility.NewBroadcaster(true)
	threads := service.NewThreadSync(gw, tokens, pageVisibility, service.ThreadSyncConfig{
		Endpoint:      cfg.ThreadsEndpoint,
		CheckEndpoint: cfg.CheckEndpoint,
		PollInterval:  cfg.PollInterval,
		Disabled:      cfg.SyncDisabled,
		Pipeline:      pipeline,
	}, log)
	threads.Start(ctx)
	defer threads.Stop()

	go watchThreads(ctx, threads, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(threads, natsConn)
	threadHandler := handler.NewThreadHandler(threads, view.New(), pageVisibility, pipeline, cache.Shared(), log)
	sessionHandler := handler.NewSessionHandler(tokens, threads, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret, tokens))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Put("/session", sessionHandler.Adopt)
		r.Delete("/session", sessionHandler.Release)

		r.Get("/threads", threadHandler.List)
		r.Get("/threads/{id}", threadHandler.Get)

		r.Get("/filters", threadHandler.GetFilters)
		r.Put("/filters", threadHandler.PutFilters)
		r.Post("/sort/{field}", threadHandler.Sort)

		r.Post("/refetch", threadHandler.Refetch)
		r.Post("/visibility", threadHandler.Visibility)
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	threads.Stop()
	if err := pipeline.Wait(shutdownCtx); err != nil {
		log.Warn("error pipeline not drained", zap.Error(err))
	}

	log.Info("server stopped")
}

// watchThreads logs collection updates until ctx ends.
func watchThreads(ctx context.Context, threads *service.ThreadSync, log *logger.Logger) {
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-threads.Changes():
			snap := threads.Snapshot()
			if snap.Version == last {
				continue
			}
			last = snap.Version
			log.Debug("threads updated",
				zap.Uint64("version", snap.Version),
				zap.Int("conversations", len(snap.Conversations)),
				zap.String("error", snap.Error),
			)
		}
	}
}
