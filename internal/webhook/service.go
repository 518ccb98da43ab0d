// Package webhook ingests asynchronous delivery-status callbacks from the
// channel providers and moves the matching delivery records forward.
package webhook

import (
	"context"
	"time"

	"fidelya-notifications/internal/common/logger"
	"fidelya-notifications/internal/common/metrics"
	"fidelya-notifications/internal/common/observability"
	"fidelya-notifications/internal/delivery"
	"fidelya-notifications/internal/models"
	"fidelya-notifications/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

// Result is what happened to one event.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultReplayed  Result = "replayed"
	ResultUnknown   Result = "unknown"
	ResultIgnored   Result = "ignored"
	ResultError     Result = "error"
)

// Summary counts event results for one request.
type Summary struct {
	Results map[Result]int
	Skipped int
}

func (s *Summary) add(r Result) {
	if s.Results == nil {
		s.Results = make(map[Result]int)
	}
	s.Results[r]++
}

// Failed reports whether any event hit a store error.
func (s Summary) Failed() bool {
	return s.Results[ResultError] > 0
}

type ServiceDependencies struct {
	Store   store.Store
	Replay  ReplayFilter
	Archive Archive
	Logger  logger.Logger
	Obs     *observability.Observability
	Now     func() time.Time
}

// Service applies normalized events to the delivery store.
type Service struct {
	store   store.Store
	replay  ReplayFilter
	archive Archive
	logger  logger.Logger
	obs     *observability.Observability
	now     func() time.Time
}

func NewService(deps ServiceDependencies) *Service {
	s := &Service{
		store:   deps.Store,
		replay:  deps.Replay,
		archive: deps.Archive,
		logger:  logger.Component(deps.Logger, "webhook"),
		obs:     deps.Obs,
		now:     deps.Now,
	}
	if s.replay == nil {
		s.replay = noopReplayFilter{}
	}
	if s.archive == nil {
		s.archive = noopArchive{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// ApplyEvents processes events one by one. A failing event never stops the
// ones after it.
func (s *Service) ApplyEvents(ctx context.Context, events []Event) Summary {
	var sum Summary
	for _, ev := range events {
		res := s.ApplyEvent(ctx, ev)
		sum.add(res)
		metrics.WebhookEvents.WithLabelValues(ev.Provider, string(res)).Inc()
	}
	return sum
}

// ApplyEvent correlates ev with its delivery record and applies the
// transition it reports.
func (s *Service) ApplyEvent(ctx context.Context, ev Event) Result {
	ctx, span := s.obs.StartSpan(ctx, "webhook.event",
		attribute.String("provider", ev.Provider),
		attribute.String("status", string(ev.Status)),
	)
	defer span.End()

	log := s.logger.WithFields(map[string]interface{}{
		"provider":  ev.Provider,
		"messageId": ev.MessageID,
		"status":    ev.Status,
		"rawStatus": ev.RawStatus,
	})

	if ev.PruneToken {
		s.pruneToken(ctx, log, ev.Token)
	}

	if ev.Status == models.DeliveryPending {
		log.Debug("Ignoring non-progress webhook status", nil)
		return ResultIgnored
	}

	key := replayKey(ev)
	first, err := s.replay.MarkSeen(ctx, key)
	if err != nil {
		// the state machine still guards the write
		log.Warn("Replay filter unavailable", map[string]interface{}{"error": err})
		first = true
	}
	if !first {
		return ResultReplayed
	}

	res, rec := s.apply(ctx, log, ev)
	if res == ResultError {
		if err := s.replay.Forget(ctx, key); err != nil {
			log.Warn("Failed to forget webhook event", map[string]interface{}{"error": err})
		}
	}

	archived := ArchivedEvent{Event: ev, Result: res, ReceivedAt: s.now()}
	if rec != nil {
		archived.DeliveryRecord = rec.ID
		archived.NotificationID = rec.NotificationID
	}
	if err := s.archive.Store(ctx, archived); err != nil {
		log.Warn("Failed to archive webhook event", map[string]interface{}{"error": err})
	}

	span.SetAttributes(attribute.String("result", string(res)))
	return res
}

func (s *Service) apply(ctx context.Context, log logger.Logger, ev Event) (Result, *models.DeliveryRecord) {
	rec, err := s.lookup(ctx, ev)
	if err != nil {
		if store.IsNotFound(err) {
			log.Info("Dropping webhook event for unknown message", map[string]interface{}{"deliveryId": ev.DeliveryID})
			return ResultUnknown, nil
		}
		log.Error("Failed to look up delivery record", map[string]interface{}{"error": err})
		return ResultError, nil
	}
	log = log.WithFields(map[string]interface{}{"deliveryId": rec.ID, "jobId": rec.NotificationID})

	at := ev.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	out, err := s.store.ApplyTransition(ctx, rec.ID, delivery.Transition{
		To:                ev.Status,
		Provider:          ev.Provider,
		ProviderMessageID: ev.MessageID,
		FailureReason:     ev.Reason,
		At:                at,
	})
	if err != nil {
		log.Error("Failed to apply webhook transition", map[string]interface{}{"error": err})
		return ResultError, rec
	}
	if out == delivery.NoOp {
		log.Debug("Webhook transition was a no-op", map[string]interface{}{"current": rec.Status})
		return ResultDuplicate, rec
	}

	s.obs.RecordTransition(ctx, "webhook", string(ev.Status))
	log.Info("Delivery status updated from webhook", map[string]interface{}{"from": rec.Status})

	if ev.Status.Terminal() {
		if err := s.finalizeJob(ctx, log, rec.NotificationID); err != nil {
			log.Error("Failed to re-evaluate job aggregate", map[string]interface{}{"error": err})
		}
	}
	return ResultApplied, rec
}

// lookup resolves the provider message id, falling back to the record id
// the provider echoed back.
func (s *Service) lookup(ctx context.Context, ev Event) (*models.DeliveryRecord, error) {
	var rec *models.DeliveryRecord
	var err error
	if ev.MessageID != "" {
		rec, err = s.store.GetDeliveryByProviderMessageID(ctx, ev.MessageID)
		if err == nil || !store.IsNotFound(err) {
			return rec, err
		}
	}
	if ev.DeliveryID != "" {
		return s.store.GetDelivery(ctx, ev.DeliveryID)
	}
	if err == nil {
		err = store.NotFound("delivery", ev.MessageID)
	}
	return nil, err
}

// finalizeJob sets the job aggregate once every record is terminal.
func (s *Service) finalizeJob(ctx context.Context, log logger.Logger, jobID string) error {
	counts, err := s.store.CountDeliveries(ctx, jobID)
	if err != nil {
		return err
	}
	status, ok := delivery.Aggregate(counts)
	if !ok {
		return nil
	}
	changed, err := s.store.FinalizeJob(ctx, jobID, status, s.now())
	if err != nil {
		return err
	}
	if changed {
		metrics.JobsFinalized.WithLabelValues(string(status)).Inc()
		log.Info("Notification job finalized", map[string]interface{}{
			"status":    status,
			"delivered": counts.Delivered,
			"failed":    counts.Failed + counts.Bounced,
		})
	}
	return nil
}

func (s *Service) pruneToken(ctx context.Context, log logger.Logger, token string) {
	n, err := s.store.PrunePushToken(ctx, token)
	if err != nil {
		log.Error("Failed to prune push token", map[string]interface{}{"error": err})
		return
	}
	metrics.PushTokensPruned.Add(float64(n))
	if n > 0 {
		log.Info("Pruned invalidated push token", map[string]interface{}{"users": n})
	}
}
