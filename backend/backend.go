// Package backend opens the storage engine selected by configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/auth"
	"escrowflow/boltstore"
	"escrowflow/config"
	"escrowflow/custody"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/migrations"
)

// Backend bundles the stores one storage engine provides.
type Backend struct {
	Orders     escrow.Store
	Ledger     custody.Ledger
	Principals auth.Repository
	// Pool is set for the postgres store only; the outbox relay drains it.
	Pool  *pgxpool.Pool
	close func()
}

// Close releases the underlying pool or file.
func (b *Backend) Close() {
	if b != nil && b.close != nil {
		b.close()
	}
}

// Open connects to PostgreSQL (applying migrations) or opens the bbolt file.
func Open(ctx context.Context, cfg config.Config) (*Backend, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.WithMaxConns(cfg.DBMaxConns))
		if err != nil {
			return nil, err
		}
		if err := migrations.Apply(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		repo := escrow.NewPGRepository(pool)
		return &Backend{
			Orders:     repo,
			Ledger:     repo,
			Principals: auth.NewRepository(pool),
			Pool:       pool,
			close:      pool.Close,
		}, nil
	case config.StoreBolt:
		store, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Orders:     store,
			Ledger:     store,
			Principals: store.Principals(),
			close:      func() { _ = store.Close() },
		}, nil
	default:
		return nil, fmt.Errorf("backend: unknown store %q", cfg.Store)
	}
}
