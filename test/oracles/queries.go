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

// All returns the invariant queries. Each must yield zero rows on a healthy
// database; any row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_slash_conservation",
			SQL: `SELECT e.id FROM bond_escrows e
                  JOIN slash_records s ON s.escrow_id = e.id
                  WHERE s.winner_share + s.treasury_share + s.adjudicator_share <> e.amount`,
		},
		{
			Name: "O2_escrow_closed_exactly_once",
			SQL: `SELECT id FROM bond_escrows
                  WHERE (status = 'live') <> (closed_at IS NULL)
                  UNION ALL
                  SELECT e.id FROM bond_escrows e
                  WHERE e.status <> 'slashed'
                    AND EXISTS (SELECT 1 FROM slash_records s WHERE s.escrow_id = e.id)`,
		},
		{
			Name: "O3_single_live_dispute",
			SQL: `SELECT unit_id, COUNT(*) FROM disputes
                  WHERE resolved_at IS NULL
                  GROUP BY unit_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_tier_immutable",
			SQL:  `SELECT * FROM unit_tier_audit`,
		},
		{
			Name: "O5_terminal_tombstones",
			SQL: `SELECT u.id FROM truth_units u
                  JOIN disputes d ON d.unit_id = u.id AND d.resolved_at IS NULL
                  WHERE u.state IN ('rejected', 'cancelled')`,
		},
		{
			Name: "O6_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT unit_id, seq,
                             LAG(seq) OVER (PARTITION BY unit_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O7_balances_nonnegative",
			SQL:  `SELECT * FROM balances WHERE amount < 0`,
		},
		{
			Name: "O8_unit_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_truth_units')`,
		},
		{
			Name: "O9_resolved_has_result",
			SQL: `SELECT id FROM truth_units u
                  WHERE state = 'resolved'
                    AND NOT EXISTS (SELECT 1 FROM results r WHERE r.unit_id = u.id)`,
		},
		{
			Name: "O10_cancelled_has_no_result",
			SQL: `SELECT id FROM truth_units u
                  WHERE state = 'cancelled'
                    AND EXISTS (SELECT 1 FROM results r WHERE r.unit_id = u.id)`,
		},
		{
			Name: "O11_disputed_has_live_dispute",
			SQL: `SELECT id FROM truth_units u
                  WHERE state IN ('disputed_r1', 'disputed_r2')
                    AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.unit_id = u.id AND d.resolved_at IS NULL)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
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
