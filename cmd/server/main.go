package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/syncbridge/internal/auth"
	"github.com/erauner12/syncbridge/internal/config"
	"github.com/erauner12/syncbridge/internal/db"
	"github.com/erauner12/syncbridge/internal/httpapi"
	"github.com/erauner12/syncbridge/internal/processor"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "syncbridge-server").Logger()

	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	// Pretty logging for local dev
	if cfg.Environment == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	pool, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := processor.EnsureSchema(ctx, pool, cfg.Schema); err != nil {
		log.Fatal().Err(err).Str("schema", cfg.Schema).Msg("failed to ensure sync schema")
	}

	// Custom mutators are registered here when syncbridge runs embedded
	// in an application server. The standalone binary serves CRUD
	// mutations only.
	mutators := processor.NewMutatorRegistry()

	proc := &processor.Processor{
		DB:                      pool,
		Mutators:                mutators,
		SupportedSchemaVersions: cfg.SupportedSchemaVersions,
	}

	srv := &httpapi.Server{
		Processor: proc,
		Schema:    cfg.Schema,
		AppID:     cfg.AppID,
		RateLimitConfig: httpapi.RateLimitInfo{
			WindowSeconds: cfg.RateLimitWindowSeconds,
			MaxRequests:   cfg.RateLimitMaxRequests,
			Burst:         cfg.RateLimitBurst,
		},
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: cfg.JWTSecret,
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      srv.Routes(jwtCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("addr", cfg.Addr).
			Str("schema", cfg.Schema).
			Strs("schemaVersions", cfg.SupportedSchemaVersions).
			Msg("starting push endpoint")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
