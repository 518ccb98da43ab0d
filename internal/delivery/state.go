// Package delivery holds the delivery record state machine shared by the
// queue processor and the webhook endpoint.
//
//	pending -> sent -> {delivered, failed, bounced}
//
// Transitions only move forward. Any attempt to leave a terminal status is a
// NoOp, never an error, so provider redeliveries are harmless.
package delivery

import (
	"time"

	"fidelya-notifications/internal/models"
)

type Outcome int

const (
	NoOp Outcome = iota
	Applied
)

func (o Outcome) String() string {
	if o == Applied {
		return "applied"
	}
	return "noop"
}

var rank = map[models.DeliveryStatus]int{
	models.DeliveryPending:   0,
	models.DeliverySent:      1,
	models.DeliveryDelivered: 2,
	models.DeliveryFailed:    2,
	models.DeliveryBounced:   2,
}

// Transition is a requested status change with the data it carries.
type Transition struct {
	To                models.DeliveryStatus
	Provider          string
	ProviderMessageID string
	FailureReason     string
	At                time.Time
	CountAttempt      bool // bump the retry count, for a final failed dispatch
}

// CanTransition reports whether from -> to moves the record forward.
func CanTransition(from, to models.DeliveryStatus) bool {
	if from.Terminal() {
		return false
	}
	fromRank, ok := rank[from]
	if !ok {
		return false
	}
	toRank, ok := rank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// AllowedFrom lists the statuses a record may be in for a move to to.
// Stores use it as the guard of their conditional update.
func AllowedFrom(to models.DeliveryStatus) []models.DeliveryStatus {
	var out []models.DeliveryStatus
	for _, from := range []models.DeliveryStatus{models.DeliveryPending, models.DeliverySent} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Apply mutates rec according to t and reports whether anything changed.
func Apply(rec *models.DeliveryRecord, t Transition) Outcome {
	if !CanTransition(rec.Status, t.To) {
		return NoOp
	}

	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	rec.Status = t.To
	rec.UpdatedAt = time.Now().UTC()
	rec.NextAttemptAt = nil
	if t.CountAttempt {
		rec.RetryCount++
	}
	if t.Provider != "" {
		rec.Provider = t.Provider
	}
	if t.ProviderMessageID != "" && rec.ProviderMessageID == "" {
		rec.ProviderMessageID = t.ProviderMessageID
	}

	switch t.To {
	case models.DeliverySent:
		rec.SentAt = &at
	case models.DeliveryDelivered:
		if rec.SentAt == nil {
			rec.SentAt = &at
		}
		rec.DeliveredAt = &at
	case models.DeliveryFailed, models.DeliveryBounced:
		rec.FailureReason = t.FailureReason
	}

	return Applied
}

// ResetForRetry schedules a non-terminal record for another dispatch attempt.
// Only the queue processor calls this, after a transient provider error.
func ResetForRetry(rec *models.DeliveryRecord, reason string, next time.Time) Outcome {
	if rec.Status.Terminal() {
		return NoOp
	}
	rec.Status = models.DeliveryPending
	rec.RetryCount++
	rec.FailureReason = reason
	rec.NextAttemptAt = &next
	rec.UpdatedAt = time.Now().UTC()
	return Applied
}

// Aggregate derives a job status from its record counts. ok is false while
// any record is still pending or sent.
func Aggregate(c models.DeliveryCounts) (status models.JobStatus, ok bool) {
	if !c.AllTerminal() {
		return "", false
	}
	failed := c.Failed + c.Bounced
	switch {
	case failed == 0:
		return models.JobCompleted, true
	case c.Delivered == 0:
		return models.JobFailed, true
	default:
		return models.JobPartiallyFailed, true
	}
}
