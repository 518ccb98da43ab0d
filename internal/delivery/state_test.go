package delivery

import (
	"testing"
	"time"

	"fidelya-notifications/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.DeliveryStatus
		want     bool
	}{
		{models.DeliveryPending, models.DeliverySent, true},
		{models.DeliveryPending, models.DeliveryDelivered, true},
		{models.DeliveryPending, models.DeliveryFailed, true},
		{models.DeliverySent, models.DeliveryDelivered, true},
		{models.DeliverySent, models.DeliveryBounced, true},
		{models.DeliverySent, models.DeliverySent, false},
		{models.DeliverySent, models.DeliveryPending, false},
		{models.DeliveryPending, models.DeliveryPending, false},
		{models.DeliveryDelivered, models.DeliveryFailed, false},
		{models.DeliveryDelivered, models.DeliverySent, false},
		{models.DeliveryFailed, models.DeliveryDelivered, false},
		{models.DeliveryBounced, models.DeliveryBounced, false},
		{models.DeliveryPending, "queued", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestAllowedFrom(t *testing.T) {
	assert.Equal(t, []models.DeliveryStatus{models.DeliveryPending}, AllowedFrom(models.DeliverySent))
	assert.Equal(t, []models.DeliveryStatus{models.DeliveryPending, models.DeliverySent}, AllowedFrom(models.DeliveryDelivered))
	assert.Empty(t, AllowedFrom(models.DeliveryPending))
}

func TestApply_TerminalIsImmutable(t *testing.T) {
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	rec := &models.DeliveryRecord{Status: models.DeliverySent}

	assert.Equal(t, Applied, Apply(rec, Transition{To: models.DeliveryDelivered, At: at}))
	assert.Equal(t, models.DeliveryDelivered, rec.Status)
	assert.Equal(t, at, *rec.DeliveredAt)

	for _, to := range []models.DeliveryStatus{
		models.DeliveryFailed, models.DeliveryBounced, models.DeliverySent, models.DeliveryPending, models.DeliveryDelivered,
	} {
		assert.Equal(t, NoOp, Apply(rec, Transition{To: to, FailureReason: "late", At: at.Add(time.Hour)}))
		assert.Equal(t, models.DeliveryDelivered, rec.Status)
		assert.Equal(t, at, *rec.DeliveredAt)
		assert.Empty(t, rec.FailureReason)
	}
}

func TestApply_Sent(t *testing.T) {
	rec := &models.DeliveryRecord{Status: models.DeliveryPending}
	next := time.Now()
	rec.NextAttemptAt = &next

	out := Apply(rec, Transition{To: models.DeliverySent, Provider: "fcm", ProviderMessageID: "projects/p/messages/1"})

	assert.Equal(t, Applied, out)
	assert.Equal(t, models.DeliverySent, rec.Status)
	assert.Equal(t, "fcm", rec.Provider)
	assert.Equal(t, "projects/p/messages/1", rec.ProviderMessageID)
	assert.NotNil(t, rec.SentAt)
	assert.Nil(t, rec.NextAttemptAt)
}

func TestApply_FailureKeepsReason(t *testing.T) {
	rec := &models.DeliveryRecord{Status: models.DeliverySent, ProviderMessageID: "m1"}

	Apply(rec, Transition{To: models.DeliveryFailed, FailureReason: "InvalidToken", ProviderMessageID: "m2"})

	assert.Equal(t, models.DeliveryFailed, rec.Status)
	assert.Equal(t, "InvalidToken", rec.FailureReason)
	assert.Equal(t, "m1", rec.ProviderMessageID)
}

func TestResetForRetry(t *testing.T) {
	next := time.Now().Add(time.Minute)
	rec := &models.DeliveryRecord{Status: models.DeliveryPending}

	assert.Equal(t, Applied, ResetForRetry(rec, "503 from provider", next))
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, models.DeliveryPending, rec.Status)
	assert.Equal(t, next, *rec.NextAttemptAt)

	rec.Status = models.DeliveryFailed
	assert.Equal(t, NoOp, ResetForRetry(rec, "again", next))
	assert.Equal(t, 1, rec.RetryCount)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name   string
		counts models.DeliveryCounts
		want   models.JobStatus
		ok     bool
	}{
		{"all delivered", models.DeliveryCounts{Total: 2, Delivered: 2}, models.JobCompleted, true},
		{"all failed", models.DeliveryCounts{Total: 2, Failed: 1, Bounced: 1}, models.JobFailed, true},
		{"mixed", models.DeliveryCounts{Total: 3, Delivered: 2, Failed: 1}, models.JobPartiallyFailed, true},
		{"awaiting confirmation", models.DeliveryCounts{Total: 2, Delivered: 1, Sent: 1}, "", false},
		{"pending retry", models.DeliveryCounts{Total: 1, Pending: 1}, "", false},
		{"no records", models.DeliveryCounts{}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Aggregate(tt.counts)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
