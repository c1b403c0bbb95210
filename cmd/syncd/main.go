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
	_ "go.uber.org/automaxprocs"

	"github.com/erauner12/syncbridge/internal/auth"
	"github.com/erauner12/syncbridge/internal/config"
	"github.com/erauner12/syncbridge/internal/poke"
	"github.com/erauner12/syncbridge/internal/pusher"
	"github.com/erauner12/syncbridge/internal/transport"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "syncbridge-syncd").Logger()

	cfg, err := config.LoadSyncd()
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

	dispatcher := pusher.NewHTTPDispatcher(pusher.DispatchConfig{
		PushURL: cfg.PushURL,
		APIKey:  cfg.PushAPIKey,
		Schema:  cfg.Schema,
		AppID:   cfg.AppID,
		Timeout: cfg.DispatchTimeout,
	})

	var notifier pusher.ChangeNotifier
	if cfg.NATSURL != "" {
		n, err := poke.Connect(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer n.Close()
		notifier = n
	}

	hub := transport.NewHub(transport.Options{
		Dispatcher:     dispatcher,
		Notifier:       notifier,
		JWT:            auth.JWTCfg{HS256Secret: cfg.JWTSecret},
		ForwardCookies: cfg.ForwardCookies,
		IdleTimeout:    cfg.GroupIdleTimeout,
	})

	reapCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go hub.Run(reapCtx)

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      hub.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("addr", cfg.Addr).
			Str("pushURL", cfg.PushURL).
			Msg("starting sync endpoint")
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

	// Stop accepting new connects, then retire every group service so
	// connected clients get close frames.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("hub shutdown error")
	}

	log.Info().Msg("syncd stopped")
}
