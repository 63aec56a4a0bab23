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

// All returns the invariants checked against committed state. Each query returns the
// offending rows; an empty result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_accepted_offer",
			SQL: `SELECT listing_id, COUNT(*) FROM offers
                  WHERE status = 'accepted'
                  GROUP BY listing_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_accepted_implies_sold",
			SQL: `SELECT l.id, l.status FROM listings l
                  WHERE EXISTS (SELECT 1 FROM offers o WHERE o.listing_id = l.id AND o.status = 'accepted')
                    AND l.status <> 'sold'`,
		},
		{
			Name: "O3_sold_implies_accepted",
			SQL: `SELECT l.id FROM listings l
                  WHERE l.status = 'sold'
                    AND NOT EXISTS (SELECT 1 FROM offers o WHERE o.listing_id = l.id AND o.status = 'accepted')`,
		},
		{
			Name: "O4_quota_within_limit",
			SQL: `SELECT id, used_listings, max_listings FROM users
                  WHERE used_listings > max_listings OR used_listings < 0`,
		},
		{
			Name: "O5_quota_matches_listings",
			SQL: `WITH owned AS (
                      SELECT COALESCE(a.real_estate_admin_id, a.id) AS owner_id, COUNT(*) AS n
                      FROM listings l JOIN users a ON a.id = l.agent_id
                      WHERE l.status <> 'withdrawn'
                      GROUP BY 1)
                  SELECT u.id, u.used_listings, COALESCE(owned.n, 0) FROM users u
                  LEFT JOIN owned ON owned.owner_id = u.id
                  WHERE u.real_estate_admin_id IS NULL
                    AND u.used_listings <> COALESCE(owned.n, 0)`,
		},
		{
			Name: "O6_offer_has_history",
			SQL: `SELECT o.id FROM offers o
                  WHERE NOT EXISTS (SELECT 1 FROM offer_history h WHERE h.offer_id = o.id)`,
		},
		{
			Name: "O7_history_tracks_status",
			SQL: `SELECT o.id, o.status, h.action FROM offers o
                  JOIN LATERAL (SELECT action FROM offer_history
                                WHERE offer_id = o.id ORDER BY id DESC LIMIT 1) h ON true
                  WHERE h.action <> o.status`,
		},
		{
			Name: "O8_counter_has_amount",
			SQL:  `SELECT id FROM offers WHERE status = 'countered' AND counter_offer IS NULL`,
		},
		{
			Name: "O9_single_active_buyer_code",
			SQL: `SELECT listing_id, lower(buyer_email), COUNT(*) FROM buyer_codes
                  WHERE is_active
                  GROUP BY 1, 2 HAVING COUNT(*) > 1`,
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
