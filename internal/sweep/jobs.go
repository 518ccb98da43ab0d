package sweep

import (
	"context"
	"time"
)

const (
	ExpiryJobName  = "benefit-expiry"
	CleanupJobName = "notification-cleanup"
)

func ExpiryJob(s *ExpirySweep, spec string, timeout time.Duration) Job {
	return Job{
		Name:    ExpiryJobName,
		Spec:    spec,
		Timeout: timeout,
		Run: func(ctx context.Context) error {
			_, err := s.Run(ctx)
			return err
		},
	}
}

// Cleaner is the queue processor's retention cleanup.
type Cleaner interface {
	CleanupOldNotifications(ctx context.Context, retentionDays int) (int, error)
}

func CleanupJob(c Cleaner, retentionDays int, spec string, timeout time.Duration) Job {
	return Job{
		Name:    CleanupJobName,
		Spec:    spec,
		Timeout: timeout,
		Run: func(ctx context.Context) error {
			_, err := c.CleanupOldNotifications(ctx, retentionDays)
			return err
		},
	}
}
