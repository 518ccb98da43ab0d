package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fidelya-notifications/internal/delivery"
	"fidelya-notifications/internal/models"
	"fidelya-notifications/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const deliveryColumns = `id, notification_id, recipient_id, channel, status, provider,
	provider_message_id, failure_reason, retry_count, sent_at, delivered_at,
	next_attempt_at, created_at, updated_at`

var terminalDeliveryStatuses = pq.Array([]string{
	string(models.DeliveryDelivered), string(models.DeliveryFailed), string(models.DeliveryBounced),
})

func scanDelivery(row rowScanner) (*models.DeliveryRecord, error) {
	var (
		rec                             models.DeliveryRecord
		provider, messageID, reason     sql.NullString
		sentAt, deliveredAt, nextAtNull sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.NotificationID, &rec.RecipientID, &rec.Channel, &rec.Status,
		&provider, &messageID, &reason, &rec.RetryCount, &sentAt, &deliveredAt,
		&nextAtNull, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Provider = provider.String
	rec.ProviderMessageID = messageID.String
	rec.FailureReason = reason.String
	rec.SentAt = timePtr(sentAt)
	rec.DeliveredAt = timePtr(deliveredAt)
	rec.NextAttemptAt = timePtr(nextAtNull)
	return &rec, nil
}

// EnsureDeliveries relies on the (notification_id, recipient_id, channel)
// unique key, so concurrent or repeated ticks cannot create duplicates.
func (s *Store) EnsureDeliveries(ctx context.Context, records []*models.DeliveryRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	var created int64
	err := s.client.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO notification_deliveries (id, notification_id, recipient_id, channel,
				status, retry_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
			ON CONFLICT (notification_id, recipient_id, channel) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, rec := range records {
			if rec.ID == "" {
				rec.ID = uuid.NewString()
			}
			status := rec.Status
			if status == "" {
				status = models.DeliveryPending
			}
			res, err := stmt.ExecContext(ctx, rec.ID, rec.NotificationID, rec.RecipientID, rec.Channel, status, now)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			created += n
		}
		return nil
	})
	if err != nil {
		return 0, queryErr("ensure_deliveries", err)
	}
	return int(created), nil
}

func (s *Store) ListDeliveries(ctx context.Context, notificationID string) ([]*models.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM notification_deliveries
		WHERE notification_id = $1
		ORDER BY recipient_id, channel`, notificationID)
	if err != nil {
		return nil, queryErr("list_deliveries", err)
	}
	defer rows.Close()

	var out []*models.DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, queryErr("list_deliveries", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr("list_deliveries", err)
	}
	return out, nil
}

func (s *Store) getDeliveryWhere(ctx context.Context, op, where, arg string) (*models.DeliveryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM notification_deliveries WHERE `+where, arg)
	rec, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("delivery", arg)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return rec, nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*models.DeliveryRecord, error) {
	return s.getDeliveryWhere(ctx, "get_delivery", "id = $1", id)
}

func (s *Store) GetDeliveryByProviderMessageID(ctx context.Context, messageID string) (*models.DeliveryRecord, error) {
	if messageID == "" {
		return nil, store.NotFound("delivery", messageID)
	}
	return s.getDeliveryWhere(ctx, "get_delivery_by_message_id", "provider_message_id = $1", messageID)
}

// ClaimDelivery pushes next_attempt_at of a due pending row out to until.
// Concurrent callers serialize on the row lock and the loser re-reads a
// future next_attempt_at, so it matches nothing.
func (s *Store) ClaimDelivery(ctx context.Context, id string, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_deliveries
		SET next_attempt_at = $3, updated_at = $2
		WHERE id = $1 AND status = 'pending'
			AND (next_attempt_at IS NULL OR next_attempt_at <= $2)`,
		id, now, until)
	if err != nil {
		return false, queryErr("claim_delivery", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, queryErr("claim_delivery", err)
	}
	return n == 1, nil
}

// ApplyTransition writes t only while the row is in one of
// delivery.AllowedFrom(t.To); terminal rows are never matched.
func (s *Store) ApplyTransition(ctx context.Context, id string, t delivery.Transition) (delivery.Outcome, error) {
	allowed := delivery.AllowedFrom(t.To)
	if len(allowed) == 0 {
		return delivery.NoOp, nil
	}
	from := make([]string, 0, len(allowed))
	for _, st := range allowed {
		from = append(from, string(st))
	}

	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_deliveries SET
			status = $2::text,
			provider = COALESCE(NULLIF($3::text, ''), provider),
			provider_message_id = COALESCE(provider_message_id, NULLIF($4::text, '')),
			failure_reason = CASE WHEN $2::text IN ('failed', 'bounced') THEN NULLIF($5::text, '') ELSE failure_reason END,
			sent_at = CASE
				WHEN $2::text = 'sent' THEN $6::timestamptz
				WHEN $2::text = 'delivered' THEN COALESCE(sent_at, $6::timestamptz)
				ELSE sent_at END,
			delivered_at = CASE WHEN $2::text = 'delivered' THEN $6::timestamptz ELSE delivered_at END,
			retry_count = retry_count + CASE WHEN $8::boolean THEN 1 ELSE 0 END,
			next_attempt_at = NULL,
			updated_at = now()
		WHERE id = $1 AND status = ANY($7)`,
		id, string(t.To), t.Provider, t.ProviderMessageID, t.FailureReason, at, pq.Array(from), t.CountAttempt)
	if err != nil {
		return delivery.NoOp, queryErr("apply_transition", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return delivery.NoOp, queryErr("apply_transition", err)
	}
	if n == 0 {
		return delivery.NoOp, nil
	}
	return delivery.Applied, nil
}

func (s *Store) ScheduleRetry(ctx context.Context, id string, reason string, next time.Time) (delivery.Outcome, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_deliveries
		SET status = 'pending', retry_count = retry_count + 1, failure_reason = $2,
			next_attempt_at = $3, updated_at = now()
		WHERE id = $1 AND NOT (status = ANY($4))`,
		id, nullString(reason), next, terminalDeliveryStatuses)
	if err != nil {
		return delivery.NoOp, queryErr("schedule_retry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return delivery.NoOp, queryErr("schedule_retry", err)
	}
	if n == 0 {
		return delivery.NoOp, nil
	}
	return delivery.Applied, nil
}

func (s *Store) CountDeliveries(ctx context.Context, notificationID string) (models.DeliveryCounts, error) {
	var counts models.DeliveryCounts

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM notification_deliveries
		WHERE notification_id = $1
		GROUP BY status`, notificationID)
	if err != nil {
		return counts, queryErr("count_deliveries", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status models.DeliveryStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return counts, queryErr("count_deliveries", err)
		}
		for i := 0; i < n; i++ {
			counts.Add(status)
		}
	}
	if err := rows.Err(); err != nil {
		return counts, queryErr("count_deliveries", err)
	}
	return counts, nil
}
