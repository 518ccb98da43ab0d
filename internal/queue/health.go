package queue

import (
	"context"
	"fmt"
	"time"

	"fidelya-notifications/internal/common/metrics"
	"fidelya-notifications/internal/store"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

const healthWindow = time.Hour

// Failure rate thresholds in percent. Both comparisons are strict.
const (
	degradedFailurePercent = 15
	criticalFailurePercent = 50
)

type Health struct {
	Status  HealthStatus  `json:"status"`
	Issues  []string      `json:"issues"`
	Metrics HealthMetrics `json:"metrics"`
}

type HealthMetrics struct {
	Queued               int     `json:"queued"`
	Processing           int     `json:"processing"`
	StaleProcessing      int     `json:"staleProcessing"`
	OldestClaimAgeSec    float64 `json:"oldestClaimAgeSeconds,omitempty"`
	AwaitingConfirmation int     `json:"awaitingConfirmation"`
	OldestAwaitingAgeSec float64 `json:"oldestAwaitingAgeSeconds,omitempty"`
	DeliveredLastHour    int     `json:"deliveredLastHour"`
	FailedLastHour       int     `json:"failedLastHour"`
	FailureRate          float64 `json:"failureRate"`
	CompletedJobs        int     `json:"completedJobs"`
	FailedJobs           int     `json:"failedJobs"`
	PartiallyFailedJobs  int     `json:"partiallyFailedJobs"`
}

// HealthThresholds are the configurable limits EvaluateHealth checks. A zero
// value disables its check.
type HealthThresholds struct {
	Backlog        int
	ConfirmTimeout time.Duration
}

// QueueHealth reports queue health over the last hour.
func (p *Processor) QueueHealth(ctx context.Context) (Health, error) {
	now := p.now()
	stats, err := p.store.QueueStats(ctx, now.Add(-healthWindow), now.Add(-p.staleAfter()))
	if err != nil {
		return Health{}, err
	}
	metrics.QueueBacklog.Set(float64(stats.Queued))
	return EvaluateHealth(stats, HealthThresholds{
		Backlog:        p.cfg.BacklogThreshold,
		ConfirmTimeout: p.cfg.ConfirmTimeout,
	}, now), nil
}

// EvaluateHealth derives the health report from raw stats.
func EvaluateHealth(stats store.QueueStats, limits HealthThresholds, now time.Time) Health {
	h := Health{
		Status: HealthHealthy,
		Issues: []string{},
		Metrics: HealthMetrics{
			Queued:               stats.Queued,
			Processing:           stats.Processing,
			StaleProcessing:      stats.StaleProcessing,
			AwaitingConfirmation: stats.AwaitingConfirmation,
			DeliveredLastHour:    stats.Delivered,
			FailedLastHour:       stats.Failed,
			CompletedJobs:        stats.CompletedJobs,
			FailedJobs:           stats.FailedJobs,
			PartiallyFailedJobs:  stats.PartiallyFailedJobs,
		},
	}
	if stats.OldestClaim != nil {
		h.Metrics.OldestClaimAgeSec = now.Sub(*stats.OldestClaim).Seconds()
	}
	if stats.OldestAwaiting != nil {
		h.Metrics.OldestAwaitingAgeSec = now.Sub(*stats.OldestAwaiting).Seconds()
	}

	total := stats.Delivered + stats.Failed
	if total > 0 {
		h.Metrics.FailureRate = float64(stats.Failed) / float64(total)
	}

	switch {
	case total > 0 && stats.Failed*100 > total*criticalFailurePercent:
		h.escalate(HealthCritical, fmt.Sprintf("failure rate %.1f%% over the last hour exceeds %d%%", h.Metrics.FailureRate*100, criticalFailurePercent))
	case total > 0 && stats.Failed*100 > total*degradedFailurePercent:
		h.escalate(HealthDegraded, fmt.Sprintf("failure rate %.1f%% over the last hour exceeds %d%%", h.Metrics.FailureRate*100, degradedFailurePercent))
	}

	if stats.StaleProcessing > 0 {
		h.escalate(HealthCritical, fmt.Sprintf("%d jobs stuck in processing", stats.StaleProcessing))
	}

	if limits.Backlog > 0 && stats.Queued > limits.Backlog {
		h.escalate(HealthDegraded, fmt.Sprintf("backlog of %d queued jobs exceeds %d", stats.Queued, limits.Backlog))
	}

	// the processor fails unconfirmed records once the deadline passes, so an
	// overdue waiter means no tick is reaching it
	if limits.ConfirmTimeout > 0 && stats.OldestAwaiting != nil && now.Sub(*stats.OldestAwaiting) > limits.ConfirmTimeout {
		h.escalate(HealthDegraded, fmt.Sprintf("%d jobs awaiting provider confirmation, oldest for %s (limit %s)",
			stats.AwaitingConfirmation, now.Sub(*stats.OldestAwaiting).Truncate(time.Second), limits.ConfirmTimeout))
	}

	return h
}

var severity = map[HealthStatus]int{HealthHealthy: 0, HealthDegraded: 1, HealthCritical: 2}

func (h *Health) escalate(status HealthStatus, issue string) {
	h.Issues = append(h.Issues, issue)
	if severity[status] > severity[h.Status] {
		h.Status = status
	}
}
