package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// Pin every variable so the caller's environment does not leak in.
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ESCROW_TOKEN_TTL", "24h")
	t.Setenv("ESCROW_STORE", "bolt")
	t.Setenv("ESCROW_BOLT_PATH", "escrow.db")
	t.Setenv("ESCROW_LOG_LEVEL", "info")
	t.Setenv("ESCROW_SWEEP_CONCURRENCY", "8")
	t.Setenv("ESCROW_SWEEP_INTERVAL", "0s")
	t.Setenv("ESCROW_DB_MAX_CONNS", "10")
	t.Setenv("ESCROW_OUTBOX_INTERVAL", "1s")
	t.Setenv("ESCROW_OPERATOR_ID", "")
	t.Setenv("ESCROW_OPERATOR_PASSWORD", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreBolt, cfg.Store)
	assert.Equal(t, "escrow.db", cfg.BoltPath)
	assert.Equal(t, 8, cfg.SweepConcurrency)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, time.Second, cfg.OutboxInterval)
	assert.Empty(t, cfg.OperatorID)
}

func TestLoadPostgres(t *testing.T) {
	t.Setenv("ESCROW_STORE", " Postgres ")
	t.Setenv("DATABASE_URL", "postgres://escrow@localhost/escrow")
	t.Setenv("ESCROW_DB_MAX_CONNS", "4")
	t.Setenv("ESCROW_SWEEP_CONCURRENCY", "2")
	t.Setenv("ESCROW_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, int32(4), cfg.DBMaxConns)
	assert.Equal(t, 2, cfg.SweepConcurrency)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("ESCROW_SWEEP_CONCURRENCY", "many")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: parse env")
}

func TestValidate(t *testing.T) {
	base := Config{Store: StoreBolt, BoltPath: "x.db", SweepConcurrency: 1, LogLevel: "info", DBMaxConns: 1}
	require.NoError(t, base.Validate())

	withOperator := base
	withOperator.OperatorID, withOperator.OperatorPassword = "ops", "ops-password"
	require.NoError(t, withOperator.Validate())

	cases := map[string]func(c *Config){
		"unknown store":     func(c *Config) { c.Store = "mongo" },
		"postgres no dsn":   func(c *Config) { c.Store = StorePostgres },
		"bolt no path":      func(c *Config) { c.BoltPath = " " },
		"zero concurrency":  func(c *Config) { c.SweepConcurrency = 0 },
		"negative interval": func(c *Config) { c.SweepInterval = -time.Second },
		"bad level":         func(c *Config) { c.LogLevel = "loud" },
		"negative outbox":   func(c *Config) { c.OutboxInterval = -time.Second },
		"operator no pass":  func(c *Config) { c.OperatorID = "ops" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}
