package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the store is healthy.
type Oracle struct {
	Name string
	SQL  string
}

// custodySQL resolves the custody_balances row holding an order's escrow.
// Native escrow lives under "escrow:<id>"; token escrow under "<mint>/escrow:<id>".
const custodySQL = `
	SELECT o.*,
	       o.amount - o.released_amount - o.refunded_amount AS held,
	       COALESCE(b.amount, 0) AS custody
	FROM orders o
	LEFT JOIN custody_balances b
	  ON b.account = CASE WHEN o.asset_kind = 'token' THEN o.asset_mint || '/escrow:' || o.id ELSE 'escrow:' || o.id END
	 AND b.asset   = CASE WHEN o.asset_kind = 'token' THEN 'token:' || o.asset_mint ELSE 'native' END`

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_custody_matches_held",
			SQL: `SELECT id, state, held, custody FROM (` + custodySQL + `) c
                  WHERE held <> custody`,
		},
		{
			Name: "O2_terminal_holds_nothing",
			SQL: `SELECT id, state, released_amount, refunded_amount, amount FROM orders
                  WHERE state IN ('Completed','Refunded')
                    AND released_amount + refunded_amount <> amount`,
		},
		{
			Name: "O3_history_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT order_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY order_id ORDER BY seq) AS want
                      FROM order_history)
                  SELECT * FROM seqs WHERE seq <> want`,
		},
		{
			Name: "O4_version_tracks_history",
			SQL: `SELECT o.id, o.version, h.last_seq FROM orders o
                  JOIN (SELECT order_id, MAX(seq) AS last_seq FROM order_history GROUP BY order_id) h
                    ON h.order_id = o.id
                  WHERE h.last_seq <> o.version + 1`,
		},
		{
			Name: "O5_history_ends_in_order_state",
			SQL: `SELECT o.id, o.state, h.state FROM orders o
                  JOIN LATERAL (SELECT state FROM order_history
                                WHERE order_id = o.id ORDER BY seq DESC LIMIT 1) h ON true
                  WHERE h.state <> o.state`,
		},
		{
			Name: "O6_extension_flag_matches_state",
			SQL: `SELECT id, state, extension_requested, extension_deadline FROM orders
                  WHERE (state = 'PendingExtensionApproval') <> extension_requested
                     OR (extension_requested = (extension_deadline IS NULL))`,
		},
		{
			Name: "O7_prior_state_only_when_suspended",
			SQL: `SELECT id, state, prior_state FROM orders
                  WHERE state NOT IN ('PendingExtensionApproval','Disputed') AND prior_state <> ''`,
		},
		{
			Name: "O8_outbox_not_stale",
			SQL: `SELECT id, topic, created_at FROM outbox
                  WHERE published_at IS NULL AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_history_append_only_guard",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'order_history_no_update')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
