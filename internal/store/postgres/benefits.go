package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

func (s *Store) ListExpirableBenefits(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM benefits
		WHERE status = 'active' AND end_date <= $1
		ORDER BY id`, now)
	if err != nil {
		return nil, queryErr("list_expirable_benefits", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, queryErr("list_expirable_benefits", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr("list_expirable_benefits", err)
	}
	return ids, nil
}

func (s *Store) ExpireBenefits(ctx context.Context, ids []string, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var changed int64
	err := s.client.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE benefits SET status = 'expired', updated_at = $2
			WHERE id = ANY($1) AND status = 'active'`, pq.Array(ids), now)
		if err != nil {
			return err
		}
		changed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, queryErr("expire_benefits", err)
	}
	return int(changed), nil
}
