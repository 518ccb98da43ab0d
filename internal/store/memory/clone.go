package memory

import (
	"time"

	"fidelya-notifications/internal/models"
)

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneJob(j *models.NotificationJob) *models.NotificationJob {
	c := *j
	c.RecipientIDs = append([]string(nil), j.RecipientIDs...)
	c.Channels = append([]models.Channel(nil), j.Channels...)
	c.ExpiresAt = copyTime(j.ExpiresAt)
	c.ClaimedAt = copyTime(j.ClaimedAt)
	c.NextAttemptAt = copyTime(j.NextAttemptAt)
	c.CompletedAt = copyTime(j.CompletedAt)
	return &c
}

func cloneDelivery(r *models.DeliveryRecord) *models.DeliveryRecord {
	c := *r
	c.SentAt = copyTime(r.SentAt)
	c.DeliveredAt = copyTime(r.DeliveredAt)
	c.NextAttemptAt = copyTime(r.NextAttemptAt)
	return &c
}

func cloneRecipient(r *models.Recipient) *models.Recipient {
	c := *r
	c.PushTokens = append([]string(nil), r.PushTokens...)
	return &c
}

func removeString(values []string, target string) []string {
	out := values[:0]
	for _, v := range values {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}
