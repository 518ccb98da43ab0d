// Package memory is an in-process Store used for local runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"fidelya-notifications/internal/delivery"
	"fidelya-notifications/internal/models"
	"fidelya-notifications/internal/store"

	"github.com/google/uuid"
)

// MemoryStore keeps every table in maps guarded by one mutex. Values are
// copied on the way in and out.
type MemoryStore struct {
	mu         sync.RWMutex
	jobs       map[string]*models.NotificationJob
	deliveries map[string]*models.DeliveryRecord
	byKey      map[models.DeliveryKey]string
	users      map[string]*models.Recipient
	inApp      []models.InAppNotification
	benefits   map[string]*models.Benefit
}

var _ store.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*models.NotificationJob),
		deliveries: make(map[string]*models.DeliveryRecord),
		byKey:      make(map[models.DeliveryKey]string),
		users:      make(map[string]*models.Recipient),
		benefits:   make(map[string]*models.Benefit),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// ==========================
// Jobs
// ==========================

func (m *MemoryStore) CreateJob(_ context.Context, job *models.NotificationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.NotificationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.NotFound("notification", id)
	}
	return cloneJob(job), nil
}

func claimable(job *models.NotificationJob, q store.ClaimQuery) bool {
	switch job.Status {
	case models.JobQueued:
		return job.NextAttemptAt == nil || !job.NextAttemptAt.After(q.Now)
	case models.JobProcessing:
		if job.ClaimedAt == nil {
			return job.NextAttemptAt != nil && !job.NextAttemptAt.After(q.Now)
		}
		return job.ClaimedAt.Before(q.StaleBefore)
	}
	return false
}

func (m *MemoryStore) ListClaimable(_ context.Context, q store.ClaimQuery) ([]*models.NotificationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.NotificationJob
	for _, job := range m.jobs {
		if claimable(job, q) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimJob(_ context.Context, id string, q store.ClaimQuery) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || !claimable(job, q) {
		return false, nil
	}
	now := q.Now
	job.Status = models.JobProcessing
	job.ClaimedAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) ReleaseJob(_ context.Context, id string, r store.Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.NotFound("notification", id)
	}
	// a webhook may have finalized the job while it was claimed
	if job.Status.Terminal() {
		return nil
	}
	job.Status = r.Status
	job.ClaimedAt = nil
	job.NextAttemptAt = copyTime(r.NextAttemptAt)
	job.UpdatedAt = r.At
	if r.Status.Terminal() {
		at := r.At
		job.CompletedAt = &at
	}
	return nil
}

func (m *MemoryStore) FinalizeJob(_ context.Context, id string, status models.JobStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	job.Status = status
	job.ClaimedAt = nil
	job.NextAttemptAt = nil
	job.CompletedAt = &at
	job.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) DeleteTerminalJobsBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, job := range m.jobs {
		if !job.Status.Terminal() || !job.CreatedAt.Before(cutoff) {
			continue
		}
		for key, deliveryID := range m.byKey {
			if key.NotificationID == id {
				delete(m.deliveries, deliveryID)
				delete(m.byKey, key)
			}
		}
		delete(m.jobs, id)
		removed++
	}
	return removed, nil
}

func (m *MemoryStore) QueueStats(_ context.Context, since, staleBefore time.Time) (store.QueueStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats store.QueueStats
	for _, job := range m.jobs {
		switch job.Status {
		case models.JobQueued:
			stats.Queued++
		case models.JobProcessing:
			stats.Processing++
			if job.ClaimedAt == nil {
				stats.AwaitingConfirmation++
				if stats.OldestAwaiting == nil || job.UpdatedAt.Before(*stats.OldestAwaiting) {
					at := job.UpdatedAt
					stats.OldestAwaiting = &at
				}
			} else if job.ClaimedAt.Before(staleBefore) {
				stats.StaleProcessing++
				if stats.OldestClaim == nil || job.ClaimedAt.Before(*stats.OldestClaim) {
					stats.OldestClaim = copyTime(job.ClaimedAt)
				}
			}
		}
		if job.CompletedAt == nil || job.CompletedAt.Before(since) {
			continue
		}
		switch job.Status {
		case models.JobCompleted:
			stats.CompletedJobs++
		case models.JobFailed:
			stats.FailedJobs++
		case models.JobPartiallyFailed:
			stats.PartiallyFailedJobs++
		}
	}

	for _, rec := range m.deliveries {
		if !rec.Status.Terminal() || rec.UpdatedAt.Before(since) {
			continue
		}
		if rec.Status == models.DeliveryDelivered {
			stats.Delivered++
		} else {
			stats.Failed++
		}
	}
	return stats, nil
}

// ==========================
// Deliveries
// ==========================

func (m *MemoryStore) EnsureDeliveries(_ context.Context, records []*models.DeliveryRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := 0
	for _, rec := range records {
		key := rec.Key()
		if _, exists := m.byKey[key]; exists {
			continue
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		m.deliveries[rec.ID] = cloneDelivery(rec)
		m.byKey[key] = rec.ID
		created++
	}
	return created, nil
}

func (m *MemoryStore) ListDeliveries(_ context.Context, notificationID string) ([]*models.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.DeliveryRecord
	for _, rec := range m.deliveries {
		if rec.NotificationID == notificationID {
			out = append(out, cloneDelivery(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecipientID != out[j].RecipientID {
			return out[i].RecipientID < out[j].RecipientID
		}
		return out[i].Channel < out[j].Channel
	})
	return out, nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id string) (*models.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.deliveries[id]
	if !ok {
		return nil, store.NotFound("delivery", id)
	}
	return cloneDelivery(rec), nil
}

func (m *MemoryStore) GetDeliveryByProviderMessageID(_ context.Context, messageID string) (*models.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if messageID == "" {
		return nil, store.NotFound("delivery", messageID)
	}
	for _, rec := range m.deliveries {
		if rec.ProviderMessageID == messageID {
			return cloneDelivery(rec), nil
		}
	}
	return nil, store.NotFound("delivery", messageID)
}

func (m *MemoryStore) ClaimDelivery(_ context.Context, id string, now, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.deliveries[id]
	if !ok {
		return false, store.NotFound("delivery", id)
	}
	if !rec.Due(now) {
		return false, nil
	}
	rec.NextAttemptAt = &until
	rec.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) ApplyTransition(_ context.Context, id string, t delivery.Transition) (delivery.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.deliveries[id]
	if !ok {
		return delivery.NoOp, store.NotFound("delivery", id)
	}
	return delivery.Apply(rec, t), nil
}

func (m *MemoryStore) ScheduleRetry(_ context.Context, id string, reason string, next time.Time) (delivery.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.deliveries[id]
	if !ok {
		return delivery.NoOp, store.NotFound("delivery", id)
	}
	return delivery.ResetForRetry(rec, reason, next), nil
}

func (m *MemoryStore) CountDeliveries(_ context.Context, notificationID string) (models.DeliveryCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var counts models.DeliveryCounts
	for _, rec := range m.deliveries {
		if rec.NotificationID == notificationID {
			counts.Add(rec.Status)
		}
	}
	return counts, nil
}

// ==========================
// Users, in-app, benefits
// ==========================

// PutRecipient seeds a user record.
func (m *MemoryStore) PutRecipient(r *models.Recipient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[r.ID] = cloneRecipient(r)
}

func (m *MemoryStore) GetRecipients(_ context.Context, ids []string) (map[string]*models.Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*models.Recipient, len(ids))
	for _, id := range ids {
		if r, ok := m.users[id]; ok {
			out[id] = cloneRecipient(r)
		}
	}
	return out, nil
}

func (m *MemoryStore) AddPushToken(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.users[userID]
	if !ok {
		return store.NotFound("user", userID)
	}
	for _, existing := range r.PushTokens {
		if existing == token {
			return nil
		}
	}
	r.PushTokens = append(r.PushTokens, token)
	return nil
}

func (m *MemoryStore) RemovePushToken(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.users[userID]
	if !ok {
		return store.NotFound("user", userID)
	}
	r.PushTokens = removeString(r.PushTokens, token)
	return nil
}

func (m *MemoryStore) PrunePushToken(_ context.Context, token string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for _, r := range m.users {
		before := len(r.PushTokens)
		r.PushTokens = removeString(r.PushTokens, token)
		if len(r.PushTokens) != before {
			pruned++
		}
	}
	return pruned, nil
}

func (m *MemoryStore) CreateInAppNotification(_ context.Context, n *models.InAppNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	m.inApp = append(m.inApp, *n)
	return nil
}

// InAppNotifications returns what the in-app channel wrote for a user.
func (m *MemoryStore) InAppNotifications(recipientID string) []models.InAppNotification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.InAppNotification
	for _, n := range m.inApp {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	return out
}

// PutBenefit seeds a benefit.
func (m *MemoryStore) PutBenefit(b *models.Benefit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *b
	m.benefits[b.ID] = &copy
}

func (m *MemoryStore) GetBenefit(id string) (models.Benefit, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.benefits[id]
	if !ok {
		return models.Benefit{}, false
	}
	return *b, true
}

func (m *MemoryStore) ListExpirableBenefits(_ context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, b := range m.benefits {
		if b.Status == models.BenefitActive && !b.EndDate.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) ExpireBenefits(_ context.Context, ids []string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := 0
	for _, id := range ids {
		b, ok := m.benefits[id]
		if !ok || b.Status != models.BenefitActive {
			continue
		}
		b.Status = models.BenefitExpired
		b.UpdatedAt = now
		changed++
	}
	return changed, nil
}
