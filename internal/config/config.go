// Package config loads daemon configuration from environment variables,
// optionally seeded from a .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Server configures the application push endpoint (cmd/server).
type Server struct {
	// HTTP listen address for the push API.
	Addr string `env:"HTTP_ADDR" envDefault:":8081"`

	// Postgres connection string. Required.
	DatabaseURL string `env:"DATABASE_URL"`

	// Postgres schema holding the sync bookkeeping tables.
	Schema string `env:"SYNC_SCHEMA" envDefault:"syncbridge"`

	// Application schema versions this deployment can process.
	SupportedSchemaVersions []string `env:"SUPPORTED_SCHEMA_VERSIONS" envSeparator:"," envDefault:"1"`

	// AppID this deployment serves. Empty accepts pushes for any app.
	AppID string `env:"APP_ID"`

	// HS256 secret for verifying push JWTs. Empty disables verification.
	JWTSecret string `env:"JWT_HS256_SECRET"`

	// Token bucket settings for the push endpoint, keyed by client group.
	RateLimitWindowSeconds int `env:"PUSH_RATE_LIMIT_WINDOW" envDefault:"60"`
	RateLimitMaxRequests   int `env:"PUSH_RATE_LIMIT_MAX" envDefault:"600"`
	RateLimitBurst         int `env:"PUSH_RATE_LIMIT_BURST" envDefault:"120"`

	// Postgres pool sizing. Zero keeps the pgxpool default.
	DBMaxConns int32 `env:"DB_MAX_CONNS" envDefault:"0"`

	Environment string `env:"ENV" envDefault:"dev"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// Syncd configures the sync daemon (cmd/syncd).
type Syncd struct {
	// HTTP listen address for websocket connects and metrics.
	Addr string `env:"SYNCD_ADDR" envDefault:":8082"`

	// Default upstream push endpoint. Required unless every client
	// supplies its own URL at connect time.
	PushURL string `env:"PUSH_URL"`

	// Forwarded to the upstream as the X-Api-Key header when set.
	PushAPIKey string `env:"PUSH_API_KEY"`

	// Propagated to the upstream as the schema and appID query parameters.
	Schema string `env:"UPSTREAM_SCHEMA" envDefault:"1"`
	AppID  string `env:"APP_ID" envDefault:"syncbridge"`

	// Per-dispatch HTTP timeout.
	DispatchTimeout time.Duration `env:"PUSH_TIMEOUT" envDefault:"30s"`

	// Forward the connecting client's Cookie header to the upstream on
	// every dispatched push for that connection.
	ForwardCookies bool `env:"FORWARD_COOKIES" envDefault:"false"`

	// NATS server for poke fan-out. Empty disables pokes.
	NATSURL string `env:"NATS_URL"`

	// HS256 secret for verifying connect JWTs. Empty disables verification.
	JWTSecret string `env:"JWT_HS256_SECRET"`

	// Groups with no connections are reaped after this long.
	GroupIdleTimeout time.Duration `env:"GROUP_IDLE_TIMEOUT" envDefault:"5m"`

	Environment string `env:"ENV" envDefault:"dev"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadServer reads cmd/server configuration.
// Priority: environment variables > .env file > defaults.
func LoadServer() (*Server, error) {
	loadDotenv()

	cfg := &Server{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSyncd reads cmd/syncd configuration.
// Priority: environment variables > .env file > defaults.
func LoadSyncd() (*Syncd, error) {
	loadDotenv()

	cfg := &Syncd{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse syncd config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks server configuration for errors.
func (c *Server) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Schema == "" {
		return fmt.Errorf("SYNC_SCHEMA must not be empty")
	}
	if len(c.SupportedSchemaVersions) == 0 {
		return fmt.Errorf("SUPPORTED_SCHEMA_VERSIONS must list at least one version")
	}
	if c.RateLimitWindowSeconds < 1 {
		return fmt.Errorf("PUSH_RATE_LIMIT_WINDOW must be >= 1, got %d", c.RateLimitWindowSeconds)
	}
	if c.RateLimitMaxRequests < 1 {
		return fmt.Errorf("PUSH_RATE_LIMIT_MAX must be >= 1, got %d", c.RateLimitMaxRequests)
	}
	if c.RateLimitBurst < 1 {
		return fmt.Errorf("PUSH_RATE_LIMIT_BURST must be >= 1, got %d", c.RateLimitBurst)
	}
	if c.DBMaxConns < 0 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 0, got %d", c.DBMaxConns)
	}
	return nil
}

// Validate checks syncd configuration for errors.
func (c *Syncd) Validate() error {
	if c.AppID == "" {
		return fmt.Errorf("APP_ID must not be empty")
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("PUSH_TIMEOUT must be > 0, got %s", c.DispatchTimeout)
	}
	if c.GroupIdleTimeout <= 0 {
		return fmt.Errorf("GROUP_IDLE_TIMEOUT must be > 0, got %s", c.GroupIdleTimeout)
	}
	return nil
}

// loadDotenv seeds the environment from a .env file if one exists.
// Production deployments set real environment variables instead.
func loadDotenv() {
	if err := godotenv.Load(); err != nil {
		return
	}
	log.Debug().Msg("loaded configuration from .env file")
}
