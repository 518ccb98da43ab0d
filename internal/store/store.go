// Package store defines the persistence contracts of the notification
// pipeline. Implementations live in store/postgres and store/memory.
package store

import (
	"context"
	"time"

	apperrors "fidelya-notifications/internal/common/errors"
	"fidelya-notifications/internal/delivery"
	"fidelya-notifications/internal/models"
)

// ClaimQuery selects jobs a tick may claim: queued jobs due at Now,
// processing jobs whose claim is older than StaleBefore, and unclaimed
// processing jobs whose confirmation deadline passed.
type ClaimQuery struct {
	Now         time.Time
	StaleBefore time.Time
	Limit       int
}

// Release is written when the processor gives up its claim on a job.
type Release struct {
	Status        models.JobStatus
	NextAttemptAt *time.Time
	At            time.Time
}

type JobStore interface {
	CreateJob(ctx context.Context, job *models.NotificationJob) error
	GetJob(ctx context.Context, id string) (*models.NotificationJob, error)
	ListClaimable(ctx context.Context, q ClaimQuery) ([]*models.NotificationJob, error)
	// ClaimJob atomically moves a claimable job to processing. claimed is
	// false when another tick or instance got there first.
	ClaimJob(ctx context.Context, id string, q ClaimQuery) (claimed bool, err error)
	// ReleaseJob clears the claim. It never overwrites a terminal status.
	ReleaseJob(ctx context.Context, id string, r Release) error
	// FinalizeJob sets an aggregate terminal status unless the job already has one.
	FinalizeJob(ctx context.Context, id string, status models.JobStatus, at time.Time) (bool, error)
	// DeleteTerminalJobsBefore removes terminal jobs created before cutoff and
	// their delivery records.
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int, error)
	QueueStats(ctx context.Context, since, staleBefore time.Time) (QueueStats, error)
}

type DeliveryStore interface {
	// EnsureDeliveries inserts records whose (notification, recipient, channel)
	// key does not exist yet and returns how many were created.
	EnsureDeliveries(ctx context.Context, records []*models.DeliveryRecord) (int, error)
	ListDeliveries(ctx context.Context, notificationID string) ([]*models.DeliveryRecord, error)
	GetDelivery(ctx context.Context, id string) (*models.DeliveryRecord, error)
	GetDeliveryByProviderMessageID(ctx context.Context, messageID string) (*models.DeliveryRecord, error)
	// ClaimDelivery leases a due pending record until until. Only one caller
	// wins; the others see claimed == false and must not send.
	ClaimDelivery(ctx context.Context, id string, now, until time.Time) (claimed bool, err error)
	// ApplyTransition is a conditional write guarded by delivery.AllowedFrom.
	ApplyTransition(ctx context.Context, id string, t delivery.Transition) (delivery.Outcome, error)
	ScheduleRetry(ctx context.Context, id string, reason string, next time.Time) (delivery.Outcome, error)
	CountDeliveries(ctx context.Context, notificationID string) (models.DeliveryCounts, error)
}

type RecipientStore interface {
	GetRecipients(ctx context.Context, ids []string) (map[string]*models.Recipient, error)
	AddPushToken(ctx context.Context, userID, token string) error
	RemovePushToken(ctx context.Context, userID, token string) error
	// PrunePushToken removes token from every user holding it.
	PrunePushToken(ctx context.Context, token string) (int, error)
}

type InAppStore interface {
	CreateInAppNotification(ctx context.Context, n *models.InAppNotification) error
}

type BenefitStore interface {
	ListExpirableBenefits(ctx context.Context, now time.Time) ([]string, error)
	// ExpireBenefits flips the given ids in one transaction, re-checking
	// status = active, and returns the number of rows changed.
	ExpireBenefits(ctx context.Context, ids []string, now time.Time) (int, error)
}

// Store is everything the notification server persists.
type Store interface {
	JobStore
	DeliveryStore
	RecipientStore
	InAppStore
	BenefitStore
	Ping(ctx context.Context) error
}

// QueueStats feeds the queue health report.
type QueueStats struct {
	Queued          int        `json:"queued"`
	Processing      int        `json:"processing"`
	StaleProcessing int        `json:"staleProcessing"`
	OldestClaim     *time.Time `json:"oldestClaim,omitempty"`

	// unclaimed processing jobs waiting for provider callbacks
	AwaitingConfirmation int        `json:"awaitingConfirmation"`
	OldestAwaiting       *time.Time `json:"oldestAwaiting,omitempty"`

	// terminal deliveries updated since the window start
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`

	CompletedJobs       int `json:"completedJobs"`
	FailedJobs          int `json:"failedJobs"`
	PartiallyFailedJobs int `json:"partiallyFailedJobs"`
}

func NotFound(kind, id string) error {
	return apperrors.NewRecordNotFoundError(kind, id)
}

func IsNotFound(err error) bool {
	return apperrors.HasCode(err, apperrors.ErrCodeRecordNotFound)
}
