package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // distroless images ship without zoneinfo

	"fidelya-notifications/internal/common/logger"
	"fidelya-notifications/internal/common/metrics"

	"github.com/robfig/cron/v3"
)

// Locker keeps a job slot to one instance. lock.Locker implements it.
type Locker interface {
	RunExclusive(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)
}

// Job is one scheduled task.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler runs Jobs on cron specs in a fixed location.
type Scheduler struct {
	cron   *cron.Cron
	locker Locker
	logger logger.Logger

	mu   sync.Mutex
	jobs map[string]Job
}

func NewScheduler(loc *time.Location, locker Locker, log logger.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		locker: locker,
		logger: logger.Component(log, "scheduler"),
		jobs:   make(map[string]Job),
	}
}

// LoadLocation resolves the sweep timezone, e.g. America/Argentina/Buenos_Aires.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", name, err)
	}
	return loc, nil
}

func (s *Scheduler) Add(job Job) error {
	if job.Timeout <= 0 {
		job.Timeout = 5 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already scheduled", job.Name)
	}

	if _, err := s.cron.AddFunc(job.Spec, func() {
		if _, err := s.RunNow(context.Background(), job.Name); err != nil {
			s.logger.Error("Scheduled job failed", map[string]interface{}{"job": job.Name, "error": err})
		}
	}); err != nil {
		return fmt.Errorf("schedule %s with %q: %w", job.Name, job.Spec, err)
	}
	s.jobs[job.Name] = job

	s.logger.Info("Job scheduled", map[string]interface{}{"job": job.Name, "spec": job.Spec})
	return nil
}

// RunNow runs the named job under its lock. ran is false when another
// instance holds the slot.
func (s *Scheduler) RunNow(ctx context.Context, name string) (ran bool, err error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("unknown job %s", name)
	}

	ctx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	start := time.Now()
	if s.locker == nil {
		err = job.Run(ctx)
		ran = true
	} else {
		ran, err = s.locker.RunExclusive(ctx, "job:"+job.Name, job.Timeout, job.Run)
	}

	result := "success"
	switch {
	case err != nil:
		result = "error"
	case !ran:
		result = "skipped"
	}
	metrics.ScheduledRuns.WithLabelValues(job.Name, result).Inc()

	s.logger.Info("Scheduled job run", map[string]interface{}{
		"job":        job.Name,
		"result":     result,
		"durationMs": time.Since(start).Milliseconds(),
	})
	return ran, err
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", map[string]interface{}{"jobs": len(s.jobs)})
}

// Stop stops firing new runs and waits for running ones until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped", nil)
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out with jobs still running", nil)
	}
}
