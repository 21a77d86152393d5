package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/designmesh/collab/internal/api/websocket"
	"github.com/designmesh/collab/pkg/common/cache"
	"github.com/designmesh/collab/pkg/common/config"
	"github.com/designmesh/collab/pkg/coordinator"
	"github.com/designmesh/collab/pkg/observability"
	"github.com/designmesh/collab/pkg/review"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.NewStandardLogger("collab-server").Fatal("Failed to load configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger := observability.NewStandardLoggerWithLevel("collab-server",
		observability.ParseLogLevel(cfg.Logging.Level))
	logger.Info("Starting collab-server", map[string]interface{}{
		"environment": cfg.Environment,
		"listen":      cfg.API.ListenAddress,
	})

	metrics, promRegistry := observability.NewPrometheusMetricsClient("collab")
	defer func() { _ = metrics.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Review persistence
	db, err := sqlx.Connect(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("Failed to connect to the review database", map[string]interface{}{
			"error": err.Error(),
		})
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	defer func() { _ = db.Close() }()

	// Redis is optional; reads fall back to the database without it
	var reviewCache cache.Cache
	if redisCache, err := cache.NewRedisCache(ctx, cfg.Cache); err != nil {
		logger.Warn("Redis unavailable, review reads will skip the cache", map[string]interface{}{
			"address": cfg.Cache.Address,
			"error":   err.Error(),
		})
	} else {
		reviewCache = redisCache
		defer func() { _ = redisCache.Close() }()
	}

	registry := coordinator.NewRegistry(coordinator.Config{
		RequestTimeout:    cfg.Collaboration.RequestTimeout,
		SessionTimeout:    cfg.Collaboration.SessionTimeout,
		SweepInterval:     cfg.Collaboration.SweepInterval,
		OutboundQueueSize: cfg.Collaboration.OutboundQueueSize,
		EditSendTimeout:   cfg.Collaboration.EditSendTimeout,
	}, nil, nil, logger, metrics)
	defer registry.Close()
	go registry.Run(ctx)

	reviewRepo := review.NewPostgresRepository(db, reviewCache, logger, metrics)
	reviewService, err := review.NewService(reviewRepo, registry, nil, logger, metrics)
	if err != nil {
		logger.Fatal("Failed to create review service", map[string]interface{}{
			"error": err.Error(),
		})
	}

	gateway := websocket.NewServer(registry, reviewService, cfg.WebSocket, promRegistry, logger, metrics)
	gateway.AllowOrigins(cfg.API.AllowedOrigins)

	server := &http.Server{
		Addr:         cfg.API.ListenAddress,
		Handler:      gateway.Router(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", map[string]interface{}{"address": cfg.API.ListenAddress})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", nil)
	case err := <-errCh:
		logger.Error("Server failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("Stopped", nil)
}
