// Package outbox relays rows written to the outbox table by the escrow
// repository. Rows are claimed with FOR UPDATE SKIP LOCKED so several relays
// can drain the same table without publishing a message twice.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Message is one unpublished outbox row.
type Message struct {
	ID        int64           `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Publisher delivers a message downstream. A returned error leaves the message
// and everything after it in the batch unpublished.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogPublisher writes every message to a structured logger.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, msg Message) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "outbox message",
		"id", msg.ID,
		"topic", msg.Topic,
		"payload", string(msg.Payload),
	)
	return nil
}

// Pool is the subset of pgxpool.Pool the relay needs.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Relay moves outbox rows to a Publisher.
type Relay struct {
	pool      Pool
	publisher Publisher
	batch     int
	logger    *slog.Logger
	observe   func(published int)
}

type Option func(*Relay)

// WithBatchSize caps how many rows one Drain claims.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver is called with the number of messages each Drain published.
func WithObserver(fn func(published int)) Option {
	return func(r *Relay) { r.observe = fn }
}

func NewRelay(pool Pool, publisher Publisher, opts ...Option) *Relay {
	r := &Relay{
		pool:      pool,
		publisher: publisher,
		batch:     100,
		logger:    slog.Default(),
		observe:   func(int) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const claimSQL = `
	SELECT id, topic, payload, created_at
	FROM outbox
	WHERE published_at IS NULL
	ORDER BY id
	LIMIT $1
	FOR UPDATE SKIP LOCKED
`

// Drain claims one batch, publishes it in id order and marks the published
// prefix. It returns how many messages were published.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, claimSQL, r.batch)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.Topic, &m.Payload, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: scan: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	published := make([]int64, 0, len(msgs))
	var publishErr error
	for _, m := range msgs {
		if err := r.publisher.Publish(ctx, m); err != nil {
			publishErr = fmt.Errorf("outbox: publish %d (%s): %w", m.ID, m.Topic, err)
			break
		}
		published = append(published, m.ID)
	}

	if len(published) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE outbox SET published_at = now() WHERE id = ANY($1)`, published); err != nil {
			return 0, fmt.Errorf("outbox: mark published: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("outbox: commit: %w", err)
		}
	}
	r.observe(len(published))
	return len(published), publishErr
}

// Pending counts rows not yet published.
func (r *Relay) Pending(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox: count pending: %w", err)
	}
	return n, nil
}

// Run drains on every tick until ctx ends. A full batch is followed by an
// immediate drain instead of waiting for the next tick.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for {
			n, err := r.Drain(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return ctx.Err()
				}
				r.logger.Error("outbox drain failed", "error", err)
				break
			}
			if n < r.batch {
				break
			}
		}
	}
}
