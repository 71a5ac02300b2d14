// Package oracles defines the SQL invariant checks the stress test runs
// against a live database. Each query returns rows only when its invariant
// is violated.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_split_conservation",
			SQL: `SELECT id FROM deals
                  WHERE immediate_amount + holdback_amount <> total_amount`,
		},
		{
			Name: "O2_settled_escrow_empty",
			SQL: `SELECT d.id,
                         SUM(CASE WHEN e.entry_type = 'HOLD' THEN e.amount ELSE -e.amount END) AS balance
                  FROM deals d
                  JOIN ledger_entries e ON e.deal_id = d.id
                  WHERE d.state = 'SETTLED'
                  GROUP BY d.id
                  HAVING SUM(CASE WHEN e.entry_type = 'HOLD' THEN e.amount ELSE -e.amount END) <> 0`,
		},
		{
			Name: "O3_escrow_never_overdrawn",
			SQL: `SELECT deal_id,
                         SUM(CASE WHEN entry_type = 'HOLD' THEN amount ELSE -amount END) AS balance
                  FROM ledger_entries
                  GROUP BY deal_id
                  HAVING SUM(CASE WHEN entry_type = 'HOLD' THEN amount ELSE -amount END) < 0`,
		},
		{
			Name: "O4_outflow_bounded_by_hold",
			SQL: `SELECT deal_id
                  FROM ledger_entries
                  GROUP BY deal_id
                  HAVING SUM(amount) FILTER (WHERE entry_type <> 'HOLD')
                       > SUM(amount) FILTER (WHERE entry_type = 'HOLD')`,
		},
		{
			Name: "O5_audit_seq_gapless",
			SQL: `WITH seqs AS (
                      SELECT deal_id, seq,
                             LAG(seq) OVER (PARTITION BY deal_id ORDER BY seq) AS prev
                      FROM audit_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O6_single_active_timer_per_type",
			SQL: `SELECT deal_id, timer_type, COUNT(*) FROM timers
                  WHERE active
                  GROUP BY deal_id, timer_type HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_single_open_dispute",
			SQL: `SELECT deal_id, COUNT(*) FROM disputes
                  WHERE status = 'open'
                  GROUP BY deal_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_settled_has_no_open_case",
			SQL: `SELECT d.id FROM deals d
                  WHERE d.state = 'SETTLED'
                    AND (d.dispute_open
                         OR EXISTS (SELECT 1 FROM disputes c
                                    WHERE c.deal_id = d.id AND c.status = 'open'))`,
		},
		{
			Name: "O9_issue_backed_by_dispute",
			SQL: `SELECT d.id FROM deals d
                  WHERE d.state = 'ISSUE'
                    AND NOT EXISTS (SELECT 1 FROM disputes c
                                    WHERE c.deal_id = d.id AND c.status = 'open')`,
		},
		{
			Name: "O10_ledger_currency_matches_deal",
			SQL: `SELECT e.id FROM ledger_entries e
                  JOIN deals d ON d.id = e.deal_id
                  WHERE e.currency <> d.currency`,
		},
		{
			Name: "O11_offset_references_dispute",
			SQL: `SELECT e.id FROM ledger_entries e
                  WHERE e.entry_type = 'OFFSET'
                    AND (e.reference_id IS NULL
                         OR NOT EXISTS (SELECT 1 FROM disputes c WHERE c.id = e.reference_id))`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or empty name if all pass.
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
