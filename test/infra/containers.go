package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// DSNEnv names a database to reuse instead of starting a container.
const DSNEnv = "ESCROW_STRESS_PG_DSN"

// Database is where a stress run keeps its orders.
type Database struct {
	DSN string
	// Shared is set when the database outlives the run, so the schema has to
	// be dropped afterwards rather than the whole container.
	Shared    bool
	container *postgres.PostgresContainer
}

// SharedDSN returns the database the caller pointed the run at, if any: the
// explicit override first, then ESCROW_STRESS_PG_DSN.
func SharedDSN(override string) string {
	if override != "" {
		return override
	}
	return os.Getenv(DSNEnv)
}

// OpenDatabase reuses the shared DSN when there is one and otherwise starts a
// throwaway postgres:16 container.
func OpenDatabase(ctx context.Context, override string) (*Database, error) {
	if dsn := SharedDSN(override); dsn != "" {
		return &Database{DSN: dsn, Shared: true}, nil
	}

	c, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("escrow"),
		postgres.WithUsername("escrow"),
		postgres.WithPassword("escrow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("infra: start postgres: %w", err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("infra: container dsn: %w", err)
	}
	return &Database{DSN: dsn, container: c}, nil
}

// Close stops the container, if one was started.
func (d *Database) Close(ctx context.Context) error {
	if d == nil || d.container == nil {
		return nil
	}
	return d.container.Terminate(ctx)
}
