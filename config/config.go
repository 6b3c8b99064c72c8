// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreBolt     = "bolt"
)

// Config is shared by escrowd and escrowctl.
type Config struct {
	Store            string        `env:"ESCROW_STORE" envDefault:"bolt"`
	DatabaseURL      string        `env:"DATABASE_URL"`
	DBMaxConns       int32         `env:"ESCROW_DB_MAX_CONNS" envDefault:"10"`
	BoltPath         string        `env:"ESCROW_BOLT_PATH" envDefault:"escrow.db"`
	HTTPAddr         string        `env:"ESCROW_HTTP_ADDR" envDefault:":8080"`
	JWTSecret        string        `env:"ESCROW_JWT_SECRET"`
	TokenTTL         time.Duration `env:"ESCROW_TOKEN_TTL" envDefault:"24h"`
	LogLevel         string        `env:"ESCROW_LOG_LEVEL" envDefault:"info"`
	SweepConcurrency int           `env:"ESCROW_SWEEP_CONCURRENCY" envDefault:"8"`
	SweepInterval    time.Duration `env:"ESCROW_SWEEP_INTERVAL" envDefault:"0s"`
	OutboxInterval   time.Duration `env:"ESCROW_OUTBOX_INTERVAL" envDefault:"1s"`
	OTelEndpoint     string        `env:"ESCROW_OTEL_ENDPOINT"`
	OperatorID       string        `env:"ESCROW_OPERATOR_ID"`
	OperatorPassword string        `env:"ESCROW_OPERATOR_PASSWORD"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres store")
		}
		if c.DBMaxConns < 1 {
			return fmt.Errorf("config: ESCROW_DB_MAX_CONNS must be positive")
		}
	case StoreBolt:
		if strings.TrimSpace(c.BoltPath) == "" {
			return fmt.Errorf("config: ESCROW_BOLT_PATH is required for the bolt store")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}
	if c.SweepConcurrency < 1 {
		return fmt.Errorf("config: ESCROW_SWEEP_CONCURRENCY must be positive")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("config: ESCROW_SWEEP_INTERVAL must not be negative")
	}
	if c.OutboxInterval < 0 {
		return fmt.Errorf("config: ESCROW_OUTBOX_INTERVAL must not be negative")
	}
	if strings.TrimSpace(c.OperatorID) != "" && c.OperatorPassword == "" {
		return fmt.Errorf("config: ESCROW_OPERATOR_PASSWORD is required with ESCROW_OPERATOR_ID")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name onto slog.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return 0, fmt.Errorf("config: invalid log level %q", name)
	}
	return level, nil
}
