// Package main implements the entry point for the promptloom service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/promptloom/promptloom-go/internal/backend"
	"github.com/promptloom/promptloom-go/internal/config"
	"github.com/promptloom/promptloom-go/internal/event"
	"github.com/promptloom/promptloom-go/internal/gallery"
	"github.com/promptloom/promptloom-go/internal/generation"
	"github.com/promptloom/promptloom-go/internal/jwks"
	"github.com/promptloom/promptloom-go/internal/media"
	"github.com/promptloom/promptloom-go/internal/metrics"
	"github.com/promptloom/promptloom-go/internal/normalize"
	"github.com/promptloom/promptloom-go/internal/prompt"
	"github.com/promptloom/promptloom-go/internal/schema"
	"github.com/promptloom/promptloom-go/internal/server"
	"github.com/promptloom/promptloom-go/internal/storage"
	"github.com/promptloom/promptloom-go/internal/telemetry"
)

const sessionIdleTTL = 30 * time.Minute

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("promptloom", os.Stdout)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracer(ctx)
	}()

	// Gallery storage: PostgreSQL when configured, in-memory otherwise
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("PL_DB_DSN not set, gallery is kept in memory")
		store = storage.NewMemory()
	}
	defer store.Close()

	var images gallery.ImageStore
	if cfg.S3Enabled() {
		s3Client, err := media.NewS3Client(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize S3 client", "error", err)
			os.Exit(1)
		}
		images = s3Client
	}

	m := metrics.NewMetrics()

	pub := event.NewPublisher(cfg.NATSURL, m)
	defer pub.Close()

	validator, err := schema.NewValidator()
	if err != nil {
		logger.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}
	registry := backend.NewRegistry(validator)
	router := backend.NewRouter(backend.Options{
		QualityURL:    cfg.FamilyAURL,
		QualityModels: cfg.FamilyAModels,
		SeededURL:     cfg.FamilyBURL,
		SeededModels:  cfg.FamilyBModels,
	}, registry)

	// per-attempt timers are set by the orchestrator; the client itself is unbounded
	orchestrator := generation.New(
		prompt.NewComposer(cfg.PromptCeiling),
		router,
		normalize.New(normalize.NewHTTPFetcher(cfg.FetchTimeout, cfg.MaxImageBytes), cfg.MaxImageBytes),
		&http.Client{},
		generation.Options{
			MaxAttempts:   cfg.MaxAttempts,
			BaseTimeout:   cfg.BaseTimeout,
			BackoffUnit:   cfg.BackoffUnit,
			Stagger:       cfg.Stagger,
			StrictRetry:   cfg.StrictRetry,
			MaxImageBytes: cfg.MaxImageBytes,
			MaxImages:     cfg.MaxImages,
		},
		m, logger,
	)

	gallerySvc := gallery.NewService(store, images, pub, gallery.Options{
		Capacity:      cfg.GalleryCapacity,
		MaxImageBytes: cfg.MaxImageBytes,
		Moderators:    cfg.Moderators,
	}, m, logger)

	deps := server.Deps{
		Orchestrator:       orchestrator,
		Gates:              generation.NewGates(sessionIdleTTL),
		Registry:           registry,
		Router:             router,
		Gallery:            gallerySvc,
		Publisher:          pub,
		Limiter:            server.NewRateLimiter(cfg.GenerateRPM, cfg.GenerateBurst),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Metrics:            m,
		Logger:             logger,
	}
	if cfg.JWTIssuer != "" {
		jwksURL := cfg.JWKSURL
		if jwksURL == "" {
			jwksURL = cfg.JWTIssuer + "/.well-known/jwks.json"
		}
		deps.JWKS = jwks.NewClient(jwksURL)
		deps.JWTIssuer = cfg.JWTIssuer
		deps.JWTAudience = cfg.JWTAudience
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.NewMux(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      batchWriteTimeout(cfg),
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "galleryCapacity", cfg.GalleryCapacity)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("server exited")
}

// batchWriteTimeout covers the slowest possible batch: every image spends all
// its attempts at their escalating timers, plus backoff and stagger.
func batchWriteTimeout(cfg config.Config) time.Duration {
	var total time.Duration
	for k := 1; k <= cfg.MaxAttempts; k++ {
		total += cfg.BaseTimeout * time.Duration(k)
		total += cfg.BackoffUnit * time.Duration(2<<k)
	}
	total += cfg.Stagger * time.Duration(cfg.MaxImages)
	return total + time.Minute
}
