package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fidelya-notifications/internal/models"
	"fidelya-notifications/internal/store"

	"github.com/lib/pq"
)

const jobColumns = `id, title, message, category, priority, type, recipient_ids, channels,
	action_url, status, retry_count, max_retries, created_at, updated_at,
	expires_at, claimed_at, next_attempt_at, completed_at`

// claimablePredicate: $1 = now, $2 = stale-before. An unclaimed processing
// job is waiting on webhooks and comes back once next_attempt_at, its
// confirmation deadline, passes.
const claimablePredicate = `((status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1))
	OR (status = 'processing' AND claimed_at < $2)
	OR (status = 'processing' AND claimed_at IS NULL AND next_attempt_at <= $1))`

var terminalJobStatuses = pq.Array([]string{
	string(models.JobCompleted), string(models.JobFailed), string(models.JobPartiallyFailed),
})

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.NotificationJob, error) {
	var (
		job                                       models.NotificationJob
		recipients, channels                      pq.StringArray
		actionURL                                 sql.NullString
		expiresAt, claimedAt, nextAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.Title, &job.Message, &job.Category, &job.Priority, &job.Type,
		&recipients, &channels, &actionURL, &job.Status, &job.RetryCount, &job.MaxRetries,
		&job.CreatedAt, &job.UpdatedAt, &expiresAt, &claimedAt, &nextAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.RecipientIDs = []string(recipients)
	job.Channels = make([]models.Channel, 0, len(channels))
	for _, c := range channels {
		job.Channels = append(job.Channels, models.Channel(c))
	}
	job.ActionURL = actionURL.String
	job.ExpiresAt = timePtr(expiresAt)
	job.ClaimedAt = timePtr(claimedAt)
	job.NextAttemptAt = timePtr(nextAt)
	job.CompletedAt = timePtr(completedAt)
	return &job, nil
}

func (s *Store) CreateJob(ctx context.Context, job *models.NotificationJob) error {
	channels := make([]string, 0, len(job.Channels))
	for _, c := range job.Channels {
		channels = append(channels, string(c))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_jobs (id, title, message, category, priority, type,
			recipient_ids, channels, action_url, status, retry_count, max_retries,
			created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13, $14)`,
		job.ID, job.Title, job.Message, job.Category, job.Priority, job.Type,
		pq.Array(job.RecipientIDs), pq.Array(channels), nullString(job.ActionURL),
		job.Status, job.RetryCount, job.MaxRetries, job.CreatedAt, nullTime(job.ExpiresAt),
	)
	if err != nil {
		return queryErr("create_job", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.NotificationJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM notification_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("notification", id)
	}
	if err != nil {
		return nil, queryErr("get_job", err)
	}
	return job, nil
}

func (s *Store) ListClaimable(ctx context.Context, q store.ClaimQuery) ([]*models.NotificationJob, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM notification_jobs
		WHERE `+claimablePredicate+`
		ORDER BY created_at ASC
		LIMIT $3`, q.Now, q.StaleBefore, limit)
	if err != nil {
		return nil, queryErr("list_claimable", err)
	}
	defer rows.Close()

	var jobs []*models.NotificationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, queryErr("list_claimable", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr("list_claimable", err)
	}
	return jobs, nil
}

// ClaimJob is a single conditional UPDATE; the row count decides the winner.
func (s *Store) ClaimJob(ctx context.Context, id string, q store.ClaimQuery) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_jobs
		SET status = 'processing', claimed_at = $1, updated_at = $1
		WHERE id = $3 AND `+claimablePredicate,
		q.Now, q.StaleBefore, id)
	if err != nil {
		return false, queryErr("claim_job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, queryErr("claim_job", err)
	}
	return n == 1, nil
}

func (s *Store) ReleaseJob(ctx context.Context, id string, r store.Release) error {
	var completedAt *time.Time
	if r.Status.Terminal() {
		at := r.At
		completedAt = &at
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_jobs
		SET status = $2, claimed_at = NULL, next_attempt_at = $3, updated_at = $4,
			completed_at = COALESCE($5, completed_at)
		WHERE id = $1 AND NOT (status = ANY($6))`,
		id, r.Status, nullTime(r.NextAttemptAt), r.At, nullTime(completedAt), terminalJobStatuses)
	if err != nil {
		return queryErr("release_job", err)
	}
	return nil
}

func (s *Store) FinalizeJob(ctx context.Context, id string, status models.JobStatus, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_jobs
		SET status = $2, claimed_at = NULL, next_attempt_at = NULL, completed_at = $3, updated_at = $3
		WHERE id = $1 AND NOT (status = ANY($4))`,
		id, status, at, terminalJobStatuses)
	if err != nil {
		return false, queryErr("finalize_job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, queryErr("finalize_job", err)
	}
	return n == 1, nil
}

func (s *Store) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var removed int64
	err := s.client.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM notification_deliveries
			WHERE notification_id IN (
				SELECT id FROM notification_jobs WHERE status = ANY($1) AND created_at < $2
			)`, terminalJobStatuses, cutoff); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			DELETE FROM notification_jobs WHERE status = ANY($1) AND created_at < $2`,
			terminalJobStatuses, cutoff)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, queryErr("delete_terminal_jobs", err)
	}
	return int(removed), nil
}

func (s *Store) QueueStats(ctx context.Context, since, staleBefore time.Time) (store.QueueStats, error) {
	var (
		stats                    store.QueueStats
		oldestClaim, oldestAwait sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'processing' AND claimed_at < $2),
			MIN(claimed_at) FILTER (WHERE status = 'processing' AND claimed_at < $2),
			COUNT(*) FILTER (WHERE status = 'processing' AND claimed_at IS NULL),
			MIN(updated_at) FILTER (WHERE status = 'processing' AND claimed_at IS NULL),
			COUNT(*) FILTER (WHERE status = 'completed' AND completed_at >= $1),
			COUNT(*) FILTER (WHERE status = 'failed' AND completed_at >= $1),
			COUNT(*) FILTER (WHERE status = 'partially_failed' AND completed_at >= $1)
		FROM notification_jobs`, since, staleBefore).Scan(
		&stats.Queued, &stats.Processing, &stats.StaleProcessing, &oldestClaim,
		&stats.AwaitingConfirmation, &oldestAwait,
		&stats.CompletedJobs, &stats.FailedJobs, &stats.PartiallyFailedJobs,
	)
	if err != nil {
		return stats, queryErr("queue_stats", err)
	}
	stats.OldestClaim = timePtr(oldestClaim)
	stats.OldestAwaiting = timePtr(oldestAwait)

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'delivered'),
			COUNT(*) FILTER (WHERE status IN ('failed', 'bounced'))
		FROM notification_deliveries
		WHERE updated_at >= $1 AND status IN ('delivered', 'failed', 'bounced')`, since).Scan(
		&stats.Delivered, &stats.Failed,
	)
	if err != nil {
		return stats, queryErr("delivery_stats", err)
	}
	return stats, nil
}
