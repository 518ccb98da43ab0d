// Package queue runs the notification queue: it claims due jobs, fans them
// out into delivery records and dispatches those records to the channel
// senders.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fidelya-notifications/internal/channels"
	apperrors "fidelya-notifications/internal/common/errors"
	"fidelya-notifications/internal/common/logger"
	"fidelya-notifications/internal/common/metrics"
	"fidelya-notifications/internal/common/observability"
	"fidelya-notifications/internal/delivery"
	"fidelya-notifications/internal/models"
	"fidelya-notifications/internal/store"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
)

const (
	expiredReason     = "notification expired"
	unconfirmedReason = "no delivery confirmation from provider"
)

type Dependencies struct {
	Store   store.Store
	Senders *channels.Registry
	Logger  logger.Logger
	Obs     *observability.Observability
	// Now defaults to time.Now; tests pin it.
	Now func() time.Time
}

// Processor is the long-lived queue worker. One per process; cross-instance
// safety comes from the atomic job claim and the per-record lease in the
// store.
type Processor struct {
	cfg     Config
	store   store.Store
	senders *channels.Registry
	logger  logger.Logger
	obs     *observability.Observability
	now     func() time.Time
	backoff *Backoff

	mu       sync.Mutex
	running  bool
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// TickResult summarizes one tick.
type TickResult struct {
	Listed     int
	Claimed    int
	Dispatched int
	Finalized  int
}

func NewProcessor(cfg Config, deps Dependencies) *Processor {
	cfg = cfg.withDefaults()
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	senders := deps.Senders
	if senders == nil {
		senders = channels.NewRegistry()
	}

	return &Processor{
		cfg:      cfg,
		store:    deps.Store,
		senders:  senders,
		logger:   logger.Component(deps.Logger, "queue-processor"),
		obs:      deps.Obs,
		now:      now,
		backoff:  NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
		interval: cfg.Interval,
	}
}

// Start begins ticking every interval (the configured interval when zero).
// It returns false when the processor is already running.
func (p *Processor) Start(ctx context.Context, interval time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return false
	}
	if interval <= 0 {
		interval = p.cfg.Interval
	}
	p.interval = interval
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go p.loop(ctx, interval, p.stop, p.done)

	p.logger.Info("Queue processor started", map[string]interface{}{
		"interval":    interval.String(),
		"concurrency": p.cfg.Concurrency,
		"batchSize":   p.cfg.BatchSize,
	})
	return true
}

func (p *Processor) loop(ctx context.Context, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			p.runTick(ctx)
		}
	}
}

func (p *Processor) runTick(ctx context.Context) {
	if _, err := p.Tick(ctx); err != nil {
		p.logger.Error("Queue tick failed", map[string]interface{}{"error": err})
	}
}

// Stop stops the ticker and waits for the in-flight tick to return.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stop)
	done := p.done
	p.running = false
	p.mu.Unlock()

	<-done
	p.logger.Info("Queue processor stopped", nil)
}

// Cleanup is Stop under the name the server shutdown path uses.
func (p *Processor) Cleanup() {
	p.Stop()
}

func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Processor) staleAfter() time.Duration {
	p.mu.Lock()
	interval := p.interval
	p.mu.Unlock()
	return time.Duration(p.cfg.StaleMultiplier) * interval
}

func (p *Processor) claimQuery(now time.Time) store.ClaimQuery {
	return store.ClaimQuery{Now: now, StaleBefore: now.Add(-p.staleAfter()), Limit: p.cfg.BatchSize}
}

// leaseFor is how long a record stays reserved for one send. It outlives
// the send timeout so a slow provider call never loses its lease.
func (p *Processor) leaseFor() time.Duration {
	return p.cfg.SendTimeout + p.staleAfter()
}

// Tick runs one pass over the claimable jobs.
func (p *Processor) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult
	start := time.Now()

	ctx, span := p.obs.StartSpan(ctx, "queue.tick")
	defer span.End()

	jobs, err := p.store.ListClaimable(ctx, p.claimQuery(p.now()))
	if err != nil {
		return result, err
	}
	result.Listed = len(jobs)

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}

		// earlier jobs in the batch may have taken a while
		claimed, err := p.store.ClaimJob(ctx, job.ID, p.claimQuery(p.now()))
		if err != nil {
			p.logger.Error("Failed to claim job", map[string]interface{}{"jobId": job.ID, "error": err})
			continue
		}
		if !claimed {
			continue
		}
		result.Claimed++

		dispatched, finalized, err := p.processJob(ctx, job)
		result.Dispatched += dispatched
		if finalized {
			result.Finalized++
		}
		if err != nil {
			p.logger.Error("Failed to process job", map[string]interface{}{"jobId": job.ID, "error": err})
		}
	}

	elapsed := time.Since(start)
	metrics.TickDuration.Observe(elapsed.Seconds())
	p.obs.RecordTick(ctx, elapsed, result.Claimed)
	span.SetAttributes(
		attribute.Int("jobs.claimed", result.Claimed),
		attribute.Int("records.dispatched", result.Dispatched),
	)

	if result.Claimed > 0 {
		p.logger.Debug("Queue tick finished", map[string]interface{}{
			"listed":     result.Listed,
			"claimed":    result.Claimed,
			"dispatched": result.Dispatched,
			"finalized":  result.Finalized,
			"durationMs": elapsed.Milliseconds(),
		})
	}
	return result, nil
}

// expand builds one pending record per recipient and channel.
func expand(job *models.NotificationJob) []*models.DeliveryRecord {
	records := make([]*models.DeliveryRecord, 0, len(job.RecipientIDs)*len(job.Channels))
	for _, recipientID := range job.RecipientIDs {
		for _, ch := range job.Channels {
			records = append(records, &models.DeliveryRecord{
				NotificationID: job.ID,
				RecipientID:    recipientID,
				Channel:        ch,
				Status:         models.DeliveryPending,
			})
		}
	}
	return records
}

// processJob handles one claimed job. The claim is always released, even
// when a step fails, so the job does not wait for the stale window.
func (p *Processor) processJob(ctx context.Context, job *models.NotificationJob) (dispatched int, finalized bool, err error) {
	log := p.logger.WithFields(map[string]interface{}{"jobId": job.ID})
	now := p.now()

	defer func() {
		f, relErr := p.release(ctx, job, now)
		finalized = f
		if relErr != nil && err == nil {
			err = relErr
		}
	}()

	if _, err = p.store.EnsureDeliveries(ctx, expand(job)); err != nil {
		return 0, false, err
	}

	records, err := p.store.ListDeliveries(ctx, job.ID)
	if err != nil {
		return 0, false, err
	}

	p.failUnconfirmed(ctx, log, records, now)

	if job.Expired(now) {
		expired := 0
		for _, rec := range records {
			if rec.Status != models.DeliveryPending {
				continue
			}
			if _, err := p.transition(ctx, rec, delivery.Transition{To: models.DeliveryFailed, FailureReason: expiredReason, At: now}); err != nil {
				log.Error("Failed to expire delivery", map[string]interface{}{"deliveryId": rec.ID, "error": err})
				continue
			}
			expired++
		}
		log.Info("Notification expired before delivery", map[string]interface{}{"expiredRecords": expired})
		return 0, false, nil
	}

	var due []*models.DeliveryRecord
	for _, rec := range records {
		if rec.Due(now) {
			due = append(due, rec)
		}
	}
	if len(due) == 0 {
		return 0, false, nil
	}

	recipients, err := p.store.GetRecipients(ctx, job.RecipientIDs)
	if err != nil {
		return 0, false, err
	}

	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.cfg.MaxRetries
	}

	var sent atomic.Int64
	wp := pool.New().WithMaxGoroutines(p.cfg.Concurrency)
	for _, rec := range due {
		wp.Go(func() {
			if p.dispatch(ctx, job, rec, recipients[rec.RecipientID], maxRetries) {
				sent.Add(1)
			}
		})
	}
	wp.Wait()

	return int(sent.Load()), false, nil
}

// failUnconfirmed fails sent records whose provider callback never arrived
// within the confirmation timeout.
func (p *Processor) failUnconfirmed(ctx context.Context, log logger.Logger, records []*models.DeliveryRecord, now time.Time) {
	for _, rec := range records {
		if rec.Status != models.DeliverySent || rec.SentAt == nil || rec.SentAt.Add(p.cfg.ConfirmTimeout).After(now) {
			continue
		}
		out, err := p.transition(ctx, rec, delivery.Transition{To: models.DeliveryFailed, FailureReason: unconfirmedReason, At: now})
		if err != nil {
			log.Error("Failed to close unconfirmed delivery", map[string]interface{}{"deliveryId": rec.ID, "error": err})
			continue
		}
		if out == delivery.Applied {
			metrics.DispatchTotal.WithLabelValues(string(rec.Channel), "unconfirmed").Inc()
			log.Warn("Delivery never confirmed by provider", map[string]interface{}{
				"deliveryId": rec.ID,
				"provider":   rec.Provider,
				"sentAt":     rec.SentAt,
			})
		}
	}
}

// dispatch sends one record and records the outcome. Provider errors stop
// here; they only ever change the record. It reports false when another
// tick or instance holds the record.
func (p *Processor) dispatch(ctx context.Context, job *models.NotificationJob, rec *models.DeliveryRecord, recipient *models.Recipient, maxRetries int) bool {
	log := p.logger.WithFields(map[string]interface{}{
		"jobId":       job.ID,
		"deliveryId":  rec.ID,
		"recipientId": rec.RecipientID,
		"channel":     rec.Channel,
	})
	now := p.now()

	leased, err := p.store.ClaimDelivery(ctx, rec.ID, now, now.Add(p.leaseFor()))
	if err != nil {
		log.Error("Failed to lease delivery", map[string]interface{}{"error": err})
		return false
	}
	if !leased {
		log.Debug("Delivery already in flight elsewhere", nil)
		return false
	}

	sender, ok := p.senders.Get(rec.Channel)
	if !ok {
		p.fail(ctx, log, rec, "", fmt.Sprintf("no sender configured for channel %s", rec.Channel), now, false)
		return true
	}
	if recipient == nil {
		p.fail(ctx, log, rec, sender.Provider(), "recipient not found", now, false)
		return true
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	start := time.Now()
	res, err := sender.Send(callCtx, &channels.Message{Job: job, Record: rec, Recipient: recipient})
	cancel()
	elapsed := time.Since(start)
	metrics.DispatchDuration.WithLabelValues(string(rec.Channel)).Observe(elapsed.Seconds())

	if res != nil && len(res.InvalidTokens) > 0 {
		p.pruneTokens(ctx, log, res.InvalidTokens)
	}

	if err != nil {
		reason := failureReason(err)
		attempt := rec.RetryCount + 1
		if apperrors.IsRetryable(err) && attempt < maxRetries {
			next := now.Add(p.backoff.Delay(attempt))
			if _, sErr := p.store.ScheduleRetry(ctx, rec.ID, reason, next); sErr != nil {
				log.Error("Failed to schedule retry", map[string]interface{}{"error": sErr})
				return true
			}
			p.countDispatch(ctx, rec.Channel, "retry", elapsed)
			log.Warn("Delivery attempt failed, retry scheduled", map[string]interface{}{
				"attempt":       attempt,
				"nextAttemptAt": next,
				"reason":        reason,
			})
			return true
		}
		p.countDispatch(ctx, rec.Channel, "failed", elapsed)
		// a transient error that used up the budget still counts as an attempt
		p.fail(ctx, log, rec, sender.Provider(), reason, now, apperrors.IsRetryable(err))
		return true
	}

	to := models.DeliverySent
	if res.Confirmed {
		to = models.DeliveryDelivered
	}
	if _, err := p.transition(ctx, rec, delivery.Transition{
		To:                to,
		Provider:          res.Provider,
		ProviderMessageID: res.ProviderMessageID,
		At:                now,
	}); err != nil {
		log.Error("Failed to record provider acceptance", map[string]interface{}{"error": err})
		return true
	}
	p.countDispatch(ctx, rec.Channel, string(to), elapsed)
	return true
}

func (p *Processor) fail(ctx context.Context, log logger.Logger, rec *models.DeliveryRecord, provider, reason string, now time.Time, countAttempt bool) {
	if _, err := p.transition(ctx, rec, delivery.Transition{
		To:            models.DeliveryFailed,
		Provider:      provider,
		FailureReason: reason,
		At:            now,
		CountAttempt:  countAttempt,
	}); err != nil {
		log.Error("Failed to mark delivery failed", map[string]interface{}{"error": err})
		return
	}
	log.Warn("Delivery failed", map[string]interface{}{"reason": reason})
}

func (p *Processor) transition(ctx context.Context, rec *models.DeliveryRecord, t delivery.Transition) (delivery.Outcome, error) {
	out, err := p.store.ApplyTransition(ctx, rec.ID, t)
	if err != nil {
		return out, err
	}
	if out == delivery.Applied {
		p.obs.RecordTransition(ctx, "queue", string(t.To))
	}
	return out, nil
}

func (p *Processor) countDispatch(ctx context.Context, ch models.Channel, outcome string, elapsed time.Duration) {
	metrics.DispatchTotal.WithLabelValues(string(ch), outcome).Inc()
	p.obs.RecordDispatch(ctx, string(ch), outcome, elapsed)
}

func (p *Processor) pruneTokens(ctx context.Context, log logger.Logger, tokens []string) {
	for _, token := range tokens {
		n, err := p.store.PrunePushToken(ctx, token)
		if err != nil {
			log.Error("Failed to prune push token", map[string]interface{}{"error": err})
			continue
		}
		metrics.PushTokensPruned.Add(float64(n))
	}
	log.Info("Pruned unregistered push tokens", map[string]interface{}{"count": len(tokens)})
}

// release gives up the claim. The job goes terminal when every record is,
// back to queued when retries are pending, and otherwise stays processing
// with no claim until webhooks finish it or the earliest confirmation
// deadline brings it back for failUnconfirmed.
func (p *Processor) release(ctx context.Context, job *models.NotificationJob, now time.Time) (bool, error) {
	records, err := p.store.ListDeliveries(ctx, job.ID)
	if err != nil {
		p.releaseAs(ctx, job.ID, store.Release{Status: models.JobQueued, At: now})
		return false, err
	}

	var counts models.DeliveryCounts
	var nextAttempt, confirmBy *time.Time
	for _, rec := range records {
		counts.Add(rec.Status)
		switch rec.Status {
		case models.DeliveryPending:
			at := now
			if rec.NextAttemptAt != nil {
				at = *rec.NextAttemptAt
			}
			nextAttempt = earliest(nextAttempt, at)
		case models.DeliverySent:
			sentAt := now
			if rec.SentAt != nil {
				sentAt = *rec.SentAt
			}
			confirmBy = earliest(confirmBy, sentAt.Add(p.cfg.ConfirmTimeout))
		}
	}

	if status, ok := delivery.Aggregate(counts); ok {
		if err := p.releaseAs(ctx, job.ID, store.Release{Status: status, At: now}); err != nil {
			return false, err
		}
		metrics.JobsFinalized.WithLabelValues(string(status)).Inc()
		p.logger.Info("Notification job finalized", map[string]interface{}{
			"jobId":     job.ID,
			"status":    status,
			"delivered": counts.Delivered,
			"failed":    counts.Failed + counts.Bounced,
		})
		return true, nil
	}

	if counts.Total == 0 || counts.Pending > 0 {
		return false, p.releaseAs(ctx, job.ID, store.Release{Status: models.JobQueued, NextAttemptAt: nextAttempt, At: now})
	}
	return false, p.releaseAs(ctx, job.ID, store.Release{Status: models.JobProcessing, NextAttemptAt: confirmBy, At: now})
}

func earliest(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.Before(*cur) {
		return &t
	}
	return cur
}

func (p *Processor) releaseAs(ctx context.Context, id string, r store.Release) error {
	if err := p.store.ReleaseJob(ctx, id, r); err != nil {
		p.logger.Error("Failed to release job", map[string]interface{}{"jobId": id, "status": r.Status, "error": err})
		return err
	}
	return nil
}

// CleanupOldNotifications deletes terminal jobs created more than
// retentionDays ago, with their delivery records.
func (p *Processor) CleanupOldNotifications(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}
	cutoff := p.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	removed, err := p.store.DeleteTerminalJobsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	p.logger.Info("Old notifications cleaned up", map[string]interface{}{
		"removed":       removed,
		"retentionDays": retentionDays,
		"cutoff":        cutoff,
	})
	return removed, nil
}

func failureReason(err error) string {
	if stdErr, ok := apperrors.AsStandardError(err); ok {
		if stdErr.Details != "" {
			return stdErr.Details
		}
		return stdErr.Message
	}
	return err.Error()
}
