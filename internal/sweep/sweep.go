// Package sweep runs the scheduled batch jobs: the daily benefit expiry
// sweep and the notification retention cleanup.
package sweep

import (
	"context"
	"time"

	apperrors "fidelya-notifications/internal/common/errors"
	"fidelya-notifications/internal/common/logger"
	"fidelya-notifications/internal/common/metrics"
	"fidelya-notifications/internal/store"
)

const defaultBatchSize = 500

// ExpirySweep flips active benefits whose end date has passed to expired.
type ExpirySweep struct {
	store     store.BenefitStore
	batchSize int
	logger    logger.Logger
	now       func() time.Time
}

func NewExpirySweep(st store.BenefitStore, batchSize int, log logger.Logger) *ExpirySweep {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &ExpirySweep{
		store:     st,
		batchSize: batchSize,
		logger:    logger.Component(log, "expiry-sweep"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run expires every due benefit in chunks of batchSize, one transaction per
// chunk. A failed chunk leaves its rows active for the next run and does not
// stop later chunks; the first failure is returned with the count that did
// change.
func (s *ExpirySweep) Run(ctx context.Context) (int, error) {
	now := s.now()

	ids, err := s.store.ListExpirableBenefits(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		s.logger.Info("No benefits to expire", nil)
		return 0, nil
	}

	total := 0
	var firstErr error
	for chunk, start := 0, 0; start < len(ids); chunk, start = chunk+1, start+s.batchSize {
		end := start + s.batchSize
		if end > len(ids) {
			end = len(ids)
		}

		n, err := s.store.ExpireBenefits(ctx, ids[start:end], now)
		if err != nil {
			s.logger.Error("Expiry chunk failed", map[string]interface{}{
				"chunk": chunk,
				"size":  end - start,
				"error": err,
			})
			if firstErr == nil {
				firstErr = apperrors.NewSweepBatchFailedError(chunk, err)
			}
			continue
		}
		total += n
		s.logger.Debug("Expiry chunk committed", map[string]interface{}{"chunk": chunk, "expired": n})
	}

	metrics.BenefitsExpired.Add(float64(total))
	s.logger.Info("Benefit expiry sweep finished", map[string]interface{}{
		"candidates": len(ids),
		"expired":    total,
	})
	return total, firstErr
}
