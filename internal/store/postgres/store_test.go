package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	apperrors "fidelya-notifications/internal/common/errors"
	"fidelya-notifications/internal/common/database"
	"fidelya-notifications/internal/delivery"
	"fidelya-notifications/internal/models"
	"fidelya-notifications/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(database.NewPostgresFromDB(db)), mock
}

func q(s string) string {
	return regexp.QuoteMeta(s)
}

func TestStore_ClaimJob(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"claimed", 1, true},
		{"lost race", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := setupMockDB(t)
			now := time.Now().UTC()
			stale := now.Add(-15 * time.Second)

			mock.ExpectExec(q("UPDATE notification_jobs SET status = 'processing', claimed_at = $1")).
				WithArgs(now, stale, "job-1").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			claimed, err := s.ClaimJob(context.Background(), "job-1", store.ClaimQuery{Now: now, StaleBefore: stale})
			require.NoError(t, err)
			assert.Equal(t, tt.want, claimed)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_ClaimJob_Error(t *testing.T) {
	s, mock := setupMockDB(t)

	mock.ExpectExec(q("UPDATE notification_jobs")).WillReturnError(errors.New("connection reset"))

	_, err := s.ClaimJob(context.Background(), "job-1", store.ClaimQuery{Now: time.Now()})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeQueryExecutionFailed))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestStore_ListClaimable(t *testing.T) {
	s, mock := setupMockDB(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "title", "message", "category", "priority", "type", "recipient_ids", "channels",
		"action_url", "status", "retry_count", "max_retries", "created_at", "updated_at",
		"expires_at", "claimed_at", "next_attempt_at", "completed_at",
	}).AddRow(
		"job-1", "Beneficio nuevo", "20% off", "benefit", "high", "info", "{u1,u2}", "{push,email}",
		"/beneficios/1", "queued", 0, 3, now, now, nil, nil, nil, nil,
	)

	mock.ExpectQuery(q("SELECT id, title, message")).
		WithArgs(now, sqlmock.AnyArg(), 50).
		WillReturnRows(rows)

	jobs, err := s.ListClaimable(context.Background(), store.ClaimQuery{Now: now, StaleBefore: now.Add(-time.Minute), Limit: 50})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job := jobs[0]
	assert.Equal(t, []string{"u1", "u2"}, job.RecipientIDs)
	assert.Equal(t, []models.Channel{models.ChannelPush, models.ChannelEmail}, job.Channels)
	assert.Equal(t, models.CategoryBenefit, job.Category)
	assert.Equal(t, "/beneficios/1", job.ActionURL)
	assert.Nil(t, job.ExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_EnsureDeliveries(t *testing.T) {
	s, mock := setupMockDB(t)

	records := []*models.DeliveryRecord{
		{NotificationID: "job-1", RecipientID: "u1", Channel: models.ChannelPush},
		{NotificationID: "job-1", RecipientID: "u1", Channel: models.ChannelEmail},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(q("INSERT INTO notification_deliveries"))
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), "job-1", "u1", models.ChannelPush, models.DeliveryPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), "job-1", "u1", models.ChannelEmail, models.DeliveryPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	created, err := s.EnsureDeliveries(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.NotEmpty(t, records[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ApplyTransition(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     delivery.Outcome
	}{
		{"applied", 1, delivery.Applied},
		{"terminal row untouched", 0, delivery.NoOp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := setupMockDB(t)
			at := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)

			mock.ExpectExec(q("UPDATE notification_deliveries SET status = $2::text")).
				WithArgs("d1", "delivered", "fcm", "", "", at, sqlmock.AnyArg(), false).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			out, err := s.ApplyTransition(context.Background(), "d1", delivery.Transition{
				To: models.DeliveryDelivered, Provider: "fcm", At: at,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_ApplyTransition_CountsFinalAttempt(t *testing.T) {
	s, mock := setupMockDB(t)
	at := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(q("retry_count = retry_count + CASE WHEN $8::boolean THEN 1 ELSE 0 END")).
		WithArgs("d1", "failed", "twilio", "", "503 from provider", at, sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := s.ApplyTransition(context.Background(), "d1", delivery.Transition{
		To: models.DeliveryFailed, Provider: "twilio", FailureReason: "503 from provider", At: at, CountAttempt: true,
	})
	require.NoError(t, err)
	assert.Equal(t, delivery.Applied, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ClaimDelivery(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"leased", 1, true},
		{"already in flight", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := setupMockDB(t)
			now := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
			until := now.Add(25 * time.Second)

			mock.ExpectExec(q("UPDATE notification_deliveries SET next_attempt_at = $3, updated_at = $2 WHERE id = $1 AND status = 'pending'")).
				WithArgs("d1", now, until).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			claimed, err := s.ClaimDelivery(context.Background(), "d1", now, until)
			require.NoError(t, err)
			assert.Equal(t, tt.want, claimed)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_ApplyTransition_ToPendingIsNoOp(t *testing.T) {
	s, mock := setupMockDB(t)

	out, err := s.ApplyTransition(context.Background(), "d1", delivery.Transition{To: models.DeliveryPending})
	require.NoError(t, err)
	assert.Equal(t, delivery.NoOp, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetDeliveryByProviderMessageID_NotFound(t *testing.T) {
	s, mock := setupMockDB(t)

	mock.ExpectQuery(q("FROM notification_deliveries WHERE provider_message_id = $1")).
		WithArgs("unknown").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetDeliveryByProviderMessageID(context.Background(), "unknown")
	assert.True(t, store.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteTerminalJobsBefore(t *testing.T) {
	s, mock := setupMockDB(t)
	cutoff := time.Now().Add(-7 * 24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM notification_deliveries")).
		WithArgs(sqlmock.AnyArg(), cutoff).
		WillReturnResult(sqlmock.NewResult(0, 6))
	mock.ExpectExec(q("DELETE FROM notification_jobs WHERE status = ANY($1) AND created_at < $2")).
		WithArgs(sqlmock.AnyArg(), cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	removed, err := s.DeleteTerminalJobsBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueueStats(t *testing.T) {
	s, mock := setupMockDB(t)
	since := time.Now().Add(-time.Hour)
	stale := time.Now().Add(-15 * time.Second)
	oldest := time.Now().Add(-time.Minute)
	awaiting := time.Now().Add(-80 * time.Hour)

	mock.ExpectQuery(q("FROM notification_jobs")).
		WithArgs(since, stale).
		WillReturnRows(sqlmock.NewRows([]string{"q", "p", "s", "o", "a", "oa", "c", "f", "pf"}).
			AddRow(12, 2, 1, oldest, 1, awaiting, 30, 4, 1))
	mock.ExpectQuery(q("FROM notification_deliveries")).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"d", "f"}).AddRow(80, 20))

	stats, err := s.QueueStats(context.Background(), since, stale)
	require.NoError(t, err)
	assert.Equal(t, 12, stats.Queued)
	assert.Equal(t, 1, stats.StaleProcessing)
	require.NotNil(t, stats.OldestClaim)
	assert.Equal(t, 1, stats.AwaitingConfirmation)
	require.NotNil(t, stats.OldestAwaiting)
	assert.WithinDuration(t, awaiting, *stats.OldestAwaiting, time.Second)
	assert.Equal(t, 80, stats.Delivered)
	assert.Equal(t, 20, stats.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetRecipients(t *testing.T) {
	s, mock := setupMockDB(t)

	mock.ExpectQuery(q("SELECT id, email, phone, display_name, push_tokens FROM users")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "phone", "display_name", "push_tokens"}).
			AddRow("u1", "socio@fidelya.com.ar", nil, "Ana", "{tok-a,tok-b}").
			AddRow("u2", nil, "+5491100000000", nil, "{}"))

	users, err := s.GetRecipients(context.Background(), []string{"u1", "u2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-a", "tok-b"}, users["u1"].PushTokens)
	assert.Equal(t, "", users["u1"].Phone)
	assert.Equal(t, "+5491100000000", users["u2"].Phone)
	assert.Empty(t, users["u2"].PushTokens)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AddPushToken_UnknownUser(t *testing.T) {
	s, mock := setupMockDB(t)

	mock.ExpectExec(q("UPDATE users SET push_tokens = array_append")).
		WithArgs("ghost", "tok").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT EXISTS")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := s.AddPushToken(context.Background(), "ghost", "tok")
	assert.True(t, store.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PrunePushToken(t *testing.T) {
	s, mock := setupMockDB(t)

	mock.ExpectExec(q("UPDATE users SET push_tokens = array_remove(push_tokens, $1)")).
		WithArgs("dead-token").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.PrunePushToken(context.Background(), "dead-token")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ExpireBenefits_RollsBackChunk(t *testing.T) {
	s, mock := setupMockDB(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE benefits SET status = 'expired'")).
		WithArgs(sqlmock.AnyArg(), now).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	n, err := s.ExpireBenefits(context.Background(), []string{"b1", "b2"}, now)
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
