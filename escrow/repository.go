package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/custody"
)

const (
	OutboxTopicOrderCreated      = "order.created"
	OutboxTopicOrderStateChanged = "order.state_changed"
	OutboxTopicOrderFundsMoved   = "order.funds_moved"
)

// PGPool abstracts pgxpool.Pool for testability.
type PGPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository implements Store and custody.Ledger on PostgreSQL. The order
// row is locked with SELECT ... FOR UPDATE for the duration of a mutation and
// balances, history and outbox rows are written in the same transaction.
type PGRepository struct {
	pool PGPool
}

func NewPGRepository(pool PGPool) *PGRepository {
	return &PGRepository{pool: pool}
}

const orderColumns = `id, importer, exporter, verifier, asset_kind, asset_mint,
	amount, released_amount, refunded_amount, state, prior_state, metadata,
	created_at, proposed_deadline, approved_deadline, deadline_approved,
	extension_requested, extension_deadline, shipment_evidence,
	dispute_reason, dispute_resolution, last_updated, version`

func (r *PGRepository) Insert(ctx context.Context, order Order, entry HistoryEntry, fund FundFunc) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	args, err := orderArgs(order)
	if err != nil {
		return err
	}
	const insertSQL = `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`
	if _, err := tx.Exec(ctx, insertSQL, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrOrderExists, order.ID)
		}
		return fmt.Errorf("escrow: insert order: %w", err)
	}

	if fund != nil {
		if err := fund(ctx, &pgCustody{tx: tx}); err != nil {
			return err
		}
	}
	if err := appendHistory(ctx, tx, entry); err != nil {
		return err
	}
	if err := enqueueOutbox(ctx, tx, OutboxTopicOrderCreated, map[string]any{
		"order_id": order.ID,
		"importer": order.Importer,
		"exporter": order.Exporter,
		"verifier": order.Verifier,
		"asset":    order.Asset.Key(),
		"amount":   order.Amount,
		"state":    order.State.String(),
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit: %w", err)
	}
	return nil
}

func (r *PGRepository) Mutate(ctx context.Context, id string, fn MutateFunc) (Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		return Order{}, fmt.Errorf("escrow: lock order: %w", err)
	}

	d, err := fn(ctx, current, &pgCustody{tx: tx})
	if err != nil {
		return Order{}, err
	}
	if d.Order.ID != current.ID || d.Order.Version != current.Version+1 {
		return Order{}, fmt.Errorf("escrow: decision for %s v%d does not follow v%d", d.Order.ID, d.Order.Version, current.Version)
	}

	if err := updateOrder(ctx, tx, d.Order, current.Version); err != nil {
		return Order{}, err
	}
	if err := appendHistory(ctx, tx, d.Entry); err != nil {
		return Order{}, err
	}
	if err := enqueueOutbox(ctx, tx, OutboxTopicOrderStateChanged, map[string]any{
		"order_id":    d.Order.ID,
		"from":        current.State.String(),
		"to":          d.Order.State.String(),
		"seq":         d.Entry.Seq,
		"description": d.Entry.Description,
		"actor":       d.Entry.Actor,
	}); err != nil {
		return Order{}, err
	}
	for _, m := range d.Movements {
		if m.Amount == 0 {
			continue
		}
		if err := enqueueOutbox(ctx, tx, OutboxTopicOrderFundsMoved, map[string]any{
			"order_id": d.Order.ID,
			"kind":     string(m.Kind),
			"from":     string(m.From),
			"to":       string(m.To),
			"asset":    d.Order.Asset.Key(),
			"amount":   m.Amount,
		}); err != nil {
			return Order{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("escrow: commit: %w", err)
	}
	return d.Order, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		return Order{}, fmt.Errorf("escrow: get order: %w", err)
	}
	return o, nil
}

func (r *PGRepository) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	const query = `
		SELECT order_id, seq, occurred_at, state, description, actor
		FROM order_history
		WHERE order_id = $1
		ORDER BY seq
	`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("escrow: history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0, 8)
	for rows.Next() {
		var (
			e     HistoryEntry
			state string
		)
		if err := rows.Scan(&e.OrderID, &e.Seq, &e.Timestamp, &state, &e.Description, &e.Actor); err != nil {
			return nil, fmt.Errorf("escrow: scan history: %w", err)
		}
		if e.State, err = ParseState(state); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate history: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return out, nil
}

func (r *PGRepository) List(ctx context.Context, filter Filter) ([]Order, error) {
	var (
		query strings.Builder
		args  []any
	)
	query.WriteString(`SELECT ` + orderColumns + ` FROM orders WHERE TRUE`)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Principal != "" {
		p := arg(filter.Principal)
		switch filter.Role {
		case RoleImporter:
			query.WriteString(" AND importer = " + p)
		case RoleExporter:
			query.WriteString(" AND exporter = " + p)
		case RoleVerifier:
			query.WriteString(" AND verifier = " + p)
		case RoleNone:
			query.WriteString(" AND (importer = " + p + " OR exporter = " + p + " OR verifier = " + p + ")")
		default:
			return nil, fmt.Errorf("escrow: unknown role %q", filter.Role)
		}
	}
	if len(filter.States) > 0 {
		names := make([]string, 0, len(filter.States))
		for _, s := range filter.States {
			names = append(names, s.String())
		}
		query.WriteString(" AND state = ANY(" + arg(names) + ")")
	}
	if !filter.DeadlineBefore.IsZero() {
		query.WriteString(" AND deadline_approved AND approved_deadline < " + arg(filter.DeadlineBefore))
	}
	query.WriteString(" ORDER BY created_at, id")
	if filter.Limit > 0 {
		query.WriteString(" LIMIT " + arg(filter.Limit))
	}

	rows, err := r.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	out := make([]Order, 0, 8)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate orders: %w", err)
	}
	return out, nil
}

// Deposit credits owner's account outside of any order.
func (r *PGRepository) Deposit(ctx context.Context, owner string, asset custody.Asset, amount uint64) error {
	if err := asset.Validate(); err != nil {
		return err
	}
	if owner == "" {
		return fmt.Errorf("%w: deposit requires an owner", custody.ErrInvalidAccount)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := credit(ctx, tx, custody.Account(custody.Party(owner), asset), asset, amount); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit: %w", err)
	}
	return nil
}

func (r *PGRepository) Balance(ctx context.Context, owner string, asset custody.Asset) (uint64, error) {
	if err := asset.Validate(); err != nil {
		return 0, err
	}
	var amount int64
	err := r.pool.QueryRow(ctx,
		`SELECT amount FROM custody_balances WHERE account = $1 AND asset = $2`,
		custody.Account(custody.Party(owner), asset), asset.Key(),
	).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("escrow: balance: %w", err)
	}
	return uint64(amount), nil
}

// pgCustody moves balances inside the enclosing order transaction.
type pgCustody struct {
	tx pgx.Tx
}

func (c *pgCustody) MoveNative(ctx context.Context, from, to string, amount uint64) error {
	return c.move(ctx, custody.Native(), from, to, amount)
}

func (c *pgCustody) MoveToken(ctx context.Context, mint, from, to string, amount uint64) error {
	return c.move(ctx, custody.Token(mint), from, to, amount)
}

func (c *pgCustody) move(ctx context.Context, asset custody.Asset, from, to string, amount uint64) error {
	if from == "" || to == "" {
		return custody.ErrInvalidAccount
	}
	n, err := toBigint(amount)
	if err != nil {
		return err
	}
	tag, err := c.tx.Exec(ctx,
		`UPDATE custody_balances SET amount = amount - $3 WHERE account = $1 AND asset = $2 AND amount >= $3`,
		from, asset.Key(), n)
	if err != nil {
		return fmt.Errorf("escrow: debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s cannot cover %d", custody.ErrInsufficientFunds, from, amount)
	}
	return credit(ctx, c.tx, to, asset, amount)
}

func credit(ctx context.Context, tx pgx.Tx, account string, asset custody.Asset, amount uint64) error {
	n, err := toBigint(amount)
	if err != nil {
		return err
	}
	const upsertSQL = `
		INSERT INTO custody_balances (account, asset, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (account, asset) DO UPDATE SET amount = custody_balances.amount + EXCLUDED.amount
	`
	if _, err := tx.Exec(ctx, upsertSQL, account, asset.Key(), n); err != nil {
		return fmt.Errorf("escrow: credit %s: %w", account, err)
	}
	return nil
}

func toBigint(amount uint64) (int64, error) {
	if amount > math.MaxInt64 {
		return 0, fmt.Errorf("escrow: amount %d exceeds storage range", amount)
	}
	return int64(amount), nil
}

func updateOrder(ctx context.Context, tx pgx.Tx, o Order, prevVersion int64) error {
	meta, err := json.Marshal(o.Metadata)
	if err != nil {
		return fmt.Errorf("escrow: marshal metadata: %w", err)
	}
	prior := ""
	if o.PriorState.Valid() {
		prior = o.PriorState.String()
	}
	const updateSQL = `
		UPDATE orders SET
			released_amount = $2, refunded_amount = $3, state = $4, prior_state = $5,
			metadata = $6, proposed_deadline = $7, approved_deadline = $8,
			deadline_approved = $9, extension_requested = $10, extension_deadline = $11,
			shipment_evidence = $12, dispute_reason = $13, dispute_resolution = $14,
			last_updated = $15, version = $16
		WHERE id = $1 AND version = $17
	`
	tag, err := tx.Exec(ctx, updateSQL,
		o.ID, int64(o.ReleasedAmount), int64(o.RefundedAmount), o.State.String(), prior,
		meta, o.ProposedDeadline, nullTime(o.ApprovedDeadline),
		o.DeadlineApproved, o.ExtensionRequested, nullTime(o.ExtensionDeadline),
		o.ShipmentEvidence, o.DisputeReason, o.DisputeResolution,
		o.LastUpdated, o.Version, prevVersion,
	)
	if err != nil {
		return fmt.Errorf("escrow: update order: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("escrow: update order %s: version %d no longer current", o.ID, prevVersion)
	}
	return nil
}

func appendHistory(ctx context.Context, tx pgx.Tx, e HistoryEntry) error {
	const insertSQL = `
		INSERT INTO order_history (order_id, seq, occurred_at, state, description, actor)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.Exec(ctx, insertSQL, e.OrderID, e.Seq, e.Timestamp, e.State.String(), e.Description, e.Actor); err != nil {
		return fmt.Errorf("escrow: insert history: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, payloadBytes); err != nil {
		return fmt.Errorf("escrow: insert outbox message: %w", err)
	}
	return nil
}

func orderArgs(o Order) ([]any, error) {
	meta, err := json.Marshal(o.Metadata)
	if err != nil {
		return nil, fmt.Errorf("escrow: marshal metadata: %w", err)
	}
	amount, err := toBigint(o.Amount)
	if err != nil {
		return nil, err
	}
	prior := ""
	if o.PriorState.Valid() {
		prior = o.PriorState.String()
	}
	return []any{
		o.ID, o.Importer, o.Exporter, o.Verifier, string(o.Asset.Kind), o.Asset.Mint,
		amount, int64(o.ReleasedAmount), int64(o.RefundedAmount), o.State.String(), prior, meta,
		o.CreatedAt, o.ProposedDeadline, nullTime(o.ApprovedDeadline), o.DeadlineApproved,
		o.ExtensionRequested, nullTime(o.ExtensionDeadline), o.ShipmentEvidence,
		o.DisputeReason, o.DisputeResolution, o.LastUpdated, o.Version,
	}, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o                     Order
		kind, state, prior    string
		meta                  []byte
		amount, rel, ref      int64
		approved, extDeadline *time.Time
	)
	err := row.Scan(
		&o.ID, &o.Importer, &o.Exporter, &o.Verifier, &kind, &o.Asset.Mint,
		&amount, &rel, &ref, &state, &prior, &meta,
		&o.CreatedAt, &o.ProposedDeadline, &approved, &o.DeadlineApproved,
		&o.ExtensionRequested, &extDeadline, &o.ShipmentEvidence,
		&o.DisputeReason, &o.DisputeResolution, &o.LastUpdated, &o.Version,
	)
	if err != nil {
		return Order{}, err
	}

	o.Asset.Kind = custody.Kind(kind)
	o.Amount, o.ReleasedAmount, o.RefundedAmount = uint64(amount), uint64(rel), uint64(ref)
	if o.State, err = ParseState(state); err != nil {
		return Order{}, err
	}
	if prior != "" {
		if o.PriorState, err = ParseState(prior); err != nil {
			return Order{}, err
		}
	}
	if err := json.Unmarshal(meta, &o.Metadata); err != nil {
		return Order{}, fmt.Errorf("escrow: decode metadata: %w", err)
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.ProposedDeadline = o.ProposedDeadline.UTC()
	o.LastUpdated = o.LastUpdated.UTC()
	if approved != nil {
		o.ApprovedDeadline = approved.UTC()
	}
	if extDeadline != nil {
		o.ExtensionDeadline = extDeadline.UTC()
	}
	return o, nil
}
