package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fidelya-notifications/internal/channels"
	apperrors "fidelya-notifications/internal/common/errors"
	"fidelya-notifications/internal/common/logger"
	"fidelya-notifications/internal/common/observability"
	"fidelya-notifications/internal/models"
	"fidelya-notifications/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helpers
// ==========================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSender struct {
	channel  models.Channel
	provider string
	sendFunc func(msg *channels.Message) (*channels.Result, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeSender) Channel() models.Channel { return f.channel }
func (f *fakeSender) Provider() string        { return f.provider }

func (f *fakeSender) Send(ctx context.Context, msg *channels.Message) (*channels.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.sendFunc != nil {
		return f.sendFunc(msg)
	}
	return &channels.Result{Provider: f.provider, ProviderMessageID: f.provider + "-" + msg.Record.ID}, nil
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func acceptingSender(ch models.Channel, provider string) *fakeSender {
	return &fakeSender{channel: ch, provider: provider}
}

func failingSender(ch models.Channel, err error) *fakeSender {
	return &fakeSender{channel: ch, provider: "fake", sendFunc: func(*channels.Message) (*channels.Result, error) {
		return nil, err
	}}
}

type fixture struct {
	store     *memory.MemoryStore
	clock     *testClock
	processor *Processor
}

func newFixture(t *testing.T, cfg Config, senders ...channels.Sender) *fixture {
	t.Helper()
	st := memory.NewMemoryStore()
	clock := newTestClock()
	p := NewProcessor(cfg, Dependencies{
		Store:   st,
		Senders: channels.NewRegistry(senders...),
		Logger:  logger.NewTestLogger(t),
		Obs:     observability.NewNoop(),
		Now:     clock.Now,
	})
	p.backoff.rand = func() float64 { return 0.5 }
	return &fixture{store: st, clock: clock, processor: p}
}

func (f *fixture) addRecipients(ids ...string) {
	for _, id := range ids {
		f.store.PutRecipient(&models.Recipient{
			ID:         id,
			Email:      id + "@example.com",
			Phone:      "+5491155550000",
			PushTokens: []string{"token-" + id},
		})
	}
}

func (f *fixture) enqueue(t *testing.T, id string, recipients []string, chs ...models.Channel) *models.NotificationJob {
	t.Helper()
	now := f.clock.Now()
	job := &models.NotificationJob{
		ID:           id,
		Title:        "Beneficio disponible",
		Message:      "Tenés un nuevo beneficio",
		Category:     models.CategoryBenefit,
		Priority:     models.PriorityMedium,
		Type:         models.TypeInfo,
		RecipientIDs: recipients,
		Channels:     chs,
		Status:       models.JobQueued,
		MaxRetries:   3,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func (f *fixture) job(t *testing.T, id string) *models.NotificationJob {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *fixture) records(t *testing.T, jobID string) []*models.DeliveryRecord {
	t.Helper()
	recs, err := f.store.ListDeliveries(context.Background(), jobID)
	require.NoError(t, err)
	return recs
}

// ==========================
// Fan-out and claiming
// ==========================

func TestProcessor_FanOutWithoutDuplicates(t *testing.T) {
	push := acceptingSender(models.ChannelPush, "fcm")
	email := acceptingSender(models.ChannelEmail, "sendgrid")
	f := newFixture(t, Config{}, push, email)
	f.addRecipients("u1", "u2", "u3")
	f.enqueue(t, "job-1", []string{"u1", "u2", "u3"}, models.ChannelPush, models.ChannelEmail)

	first, err := f.processor.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Claimed)
	assert.Equal(t, 6, first.Dispatched)

	second, err := f.processor.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Claimed)

	recs := f.records(t, "job-1")
	require.Len(t, recs, 6)
	seen := map[models.DeliveryKey]bool{}
	for _, rec := range recs {
		assert.False(t, seen[rec.Key()], "duplicate record %v", rec.Key())
		seen[rec.Key()] = true
		assert.Equal(t, models.DeliverySent, rec.Status)
		assert.NotEmpty(t, rec.ProviderMessageID)
		assert.NotNil(t, rec.SentAt)
	}
	assert.Equal(t, 3, push.Calls())
	assert.Equal(t, 3, email.Calls())

	job := f.job(t, "job-1")
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Nil(t, job.ClaimedAt, "awaiting webhooks without holding a claim")
}

func TestProcessor_ConcurrentTicksDispatchOnce(t *testing.T) {
	push := acceptingSender(models.ChannelPush, "fcm")
	f := newFixture(t, Config{Concurrency: 2}, push)
	f.addRecipients("u1", "u2")
	for i := 0; i < 5; i++ {
		f.enqueue(t, fmt.Sprintf("job-%d", i), []string{"u1", "u2"}, models.ChannelPush)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.processor.Tick(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, push.Calls())
	for i := 0; i < 5; i++ {
		assert.Len(t, f.records(t, fmt.Sprintf("job-%d", i)), 2)
	}
}

func TestProcessor_ReclaimsStaleJobs(t *testing.T) {
	push := acceptingSender(models.ChannelPush, "fcm")
	f := newFixture(t, Config{Interval: time.Second}, push)
	f.addRecipients("u1")

	stale := f.enqueue(t, "stale", []string{"u1"}, models.ChannelPush)
	claimedAt := f.clock.Now().Add(-time.Minute)
	stale.Status = models.JobProcessing
	stale.ClaimedAt = &claimedAt
	require.NoError(t, f.store.CreateJob(context.Background(), stale))

	awaiting := f.enqueue(t, "awaiting", []string{"u1"}, models.ChannelPush)
	awaiting.Status = models.JobProcessing
	require.NoError(t, f.store.CreateJob(context.Background(), awaiting))

	fresh := f.enqueue(t, "fresh", []string{"u1"}, models.ChannelPush)
	freshClaim := f.clock.Now().Add(-time.Second)
	fresh.Status = models.JobProcessing
	fresh.ClaimedAt = &freshClaim
	require.NoError(t, f.store.CreateJob(context.Background(), fresh))

	res, err := f.processor.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Len(t, f.records(t, "stale"), 1)
	assert.Empty(t, f.records(t, "awaiting"))
	assert.Empty(t, f.records(t, "fresh"))
}

// gateSender blocks every Send until release is closed.
type gateSender struct {
	fakeSender
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGateSender(ch models.Channel, provider string) *gateSender {
	g := &gateSender{started: make(chan struct{}), release: make(chan struct{})}
	g.channel = ch
	g.provider = provider
	g.sendFunc = func(msg *channels.Message) (*channels.Result, error) {
		g.once.Do(func() { close(g.started) })
		<-g.release
		return &channels.Result{Provider: provider, ProviderMessageID: provider + "-" + msg.Record.ID}, nil
	}
	return g
}

func TestProcessor_SlowSendIsNotRepeatedByAnotherInstance(t *testing.T) {
	cfg := Config{Interval: time.Second}
	sender := newGateSender(models.ChannelEmail, "sendgrid")
	f := newFixture(t, cfg, sender)
	f.addRecipients("u1")
	f.enqueue(t, "job-1", []string{"u1"}, models.ChannelEmail)

	// second instance on the same store and clock
	other := NewProcessor(cfg, Dependencies{
		Store:   f.store,
		Senders: channels.NewRegistry(sender),
		Logger:  logger.NewTestLogger(t),
		Obs:     observability.NewNoop(),
		Now:     f.clock.Now,
	})

	firstDone := make(chan TickResult, 1)
	go func() {
		res, err := f.processor.Tick(context.Background())
		assert.NoError(t, err)
		firstDone <- res
	}()
	<-sender.started

	// past the 3s stale window, so the job claim itself is up for grabs
	f.clock.Advance(4 * time.Second)
	res, err := other.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 0, res.Dispatched)

	close(sender.release)
	first := <-firstDone
	assert.Equal(t, 1, first.Dispatched)

	assert.Equal(t, 1, sender.Calls())
	rec := f.records(t, "job-1")[0]
	assert.Equal(t, models.DeliverySent, rec.Status)
	assert.Equal(t, "sendgrid-"+rec.ID, rec.ProviderMessageID)
}

func TestProcessor_ClaimStampsRealTime(t *testing.T) {
	var f *fixture
	var secondClaim *time.Time
	push := &fakeSender{channel: models.ChannelPush, provider: "fcm", sendFunc: func(msg *channels.Message) (*channels.Result, error) {
		if msg.Job.ID == "job-1" {
			f.clock.Advance(5 * time.Second)
		} else {
			job, err := f.store.GetJob(context.Background(), msg.Job.ID)
			if err == nil {
				secondClaim = job.ClaimedAt
			}
		}
		return &channels.Result{Provider: "fcm", ProviderMessageID: "fcm-" + msg.Record.ID}, nil
	}}
	f = newFixture(t, Config{Interval: time.Second}, push)
	f.addRecipients("u1")
	f.enqueue(t, "job-1", []string{"u1"}, models.ChannelPush)
	f.clock.Advance(time.Second)
	f.enqueue(t, "job-2", []string{"u1"}, models.ChannelPush)
	tickStart := f.clock.Now()

	res, err := f.processor.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)

	require.NotNil(t, secondClaim)
	assert.Equal(t, tickStart.Add(5*time.Second), *secondClaim, "claimed when reached, not at tick start")
}

// ==========================
// Dispatch outcomes
// ==========================

func TestProcessor_ConfirmedChannelCompletesJob(t *testing.T) {
	f := newFixture(t, Config{})
	f.processor.senders = channels.NewRegistry(channels.NewInAppSender(f.store))
	f.addRecipients("u1", "u2")
	f.enqueue(t, "job-1", []string{"u1", "u2"}, models.ChannelApp)

	res, err := f.processor.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Finalized)

	for _, rec := range f.records(t, "job-1") {
		assert.Equal(t, models.DeliveryDelivered, rec.Status)
		assert.NotNil(t, rec.DeliveredAt)
	}
	job := f.job(t, "job-1")
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Len(t, f.store.InAppNotifications("u1"), 1)
}

func TestProcessor_TransientErrorsRetryThenFail(t *testing.T) {
	sender := failingSender(models.ChannelEmail, apperrors.NewNotificationSendFailedError("email", errors.New("503 from provider")))
	f := newFixture(t, Config{MaxRetries: 3, BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}, sender)
	f.addRecipients("u1")
	f.enqueue(t, "job-1", []string{"u1"}, models.ChannelEmail)

	_, err := f.processor.Tick(context.Background())
	require.NoError(t, err)

	rec := f.records(t, "job-1")[0]
	assert.Equal(t, models.DeliveryPending, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	require.NotNil(t, rec.NextAttemptAt)
	assert.Equal(t, f.clock.Now().Add(50*time.Millisecond), *rec.NextAttemptAt)
	assert.Equal(t, "503 from provider", rec.FailureReason)

	job := f.job(t, "job-1")
	assert.Equal(t, models.JobQueued, job.Status)
	require.NotNil(t, job.NextAttemptAt)

	// not due yet
	res, err := f.processor.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)

	f.clock.Advance(2 * time.Second)
	_, err = f.processor.Tick(context.Background())
	require.NoError(t, err)
	rec = f.records(t, "job-1")[0]
	assert.Equal(t, models.DeliveryPending, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)

	f.clock.Advance(2 * time.Second)
	_, err = f.processor.Tick(context.Background())
	require.NoError(t, err)
	rec = f.records(t, "job-1")[0]
	assert.Equal(t, models.DeliveryFailed, rec.Status)
	assert.Equal(t, 3, rec.RetryCount, "the final attempt is counted too")
	assert.Equal(t, 3, sender.Calls())
	assert.Equal(t, models.JobFailed, f.job(t, "job-1").Status)
}

func TestProcessor_UnconfirmedDeliveriesFailAfterTimeout(t *testing.T) {
	email := acceptingSender(models.ChannelEmail, "sendgrid")
	f := newFixture(t, Config{ConfirmTimeout: 72 * time.Hour}, email)
	f.addRecipients("u1")
	f.enqueue(t, "job-1", []string{"u1"}, models.ChannelEmail)

	_, err := f.processor.Tick(context.Background())
	require.NoError(t, err)

	job := f.job(t, "job-1")
	assert.Equal(t, models.JobProcessing, job.Status)
	require.NotNil(t, job.NextAttemptAt)
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), *job.NextAttemptAt)

	// inside the window nothing comes back
	f.clock.Advance(24 * time.Hour)
	res, err := f.processor.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)

	f.clock.Advance(29 * 24 * time.Hour)
	res, err = f.processor.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Finalized)
	assert.Equal(t, 1, email.Calls(), "an unconfirmed record is not resent")

	rec := f.records(t, "job-1")[0]
	assert.Equal(t, models.DeliveryFailed, rec.Status)
	assert.Equal(t, "no delivery confirmation from provider", rec.FailureReason)
	assert.Equal(t, models.JobFailed, f.job(t, "job-1").Status)

	removed, err := f.processor.CleanupOldNotifications(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestProcessor_PermanentErrorFailsImmediately(t *testing.T) {
	sender := failingSender(models.ChannelSMS, apperrors.NewInvalidRecipientError("sms", "number unreachable"))
	f := newFixture(t, Config{}, sender)
	f.addRecipients("u1")
	f.enqueue(t, "job-1", []string{"u1"}, models.ChannelSMS)

	_, err := f.processor.Tick(context.Background())
	require.NoError(t, err)

	rec := f.records(t, "job-1")[0]
	assert.Equal(t, models.DeliveryFailed, rec.Status)
	assert.Equal(t, "number unreachable", rec.FailureReason)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Equal(t, 1, sender.Calls())
	assert.Equal(t, models.JobFailed, f.job(t, "job-1").Status)
}

func TestProcessor_PartiallyFailed(t *testing.T) {
	f := newFixture(t, Config{})
	f.processor.senders = channels.NewRegistry(
		channels.NewInAppSender(f.store),
		failingSender(models.ChannelSMS, apperrors.NewInvalidRecipientError("sms", "no phone")),
	)
	f.addRecipients("u1")
	f.enqueue(t, "job-1", []string{"u1"}, models.ChannelApp, models.ChannelSMS)

	_, err := f.processor.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.JobPartiallyFailed, f.job(t, "job-1").Status)
}

func TestProcessor_MissingRecipientOrSender(t *testing.T) {
	f := newFixture(t, Config{}, acceptingSender(models.ChannelPush, "fcm"))
	f.addRecipients("u1")
	f.enqueue(t, "job-1", []string{"u1", "ghost"}, models.ChannelPush, models.ChannelSMS)

	_, err := f.processor.Tick(context.Background())
	require.NoError(t, err)

	reasons := map[string]string{}
	for _, rec := range f.records(t, "job-1") {
		reasons[rec.RecipientID+"/"+string(rec.Channel)] = rec.FailureReason
	}
	assert.Equal(t, "", reasons["u1/push"])
	assert.Equal(t, "recipient not found", reasons["ghost/push"])
	assert.Contains(t, reasons["u1/sms"], "no sender configured")
	assert.Contains(t, reasons["ghost/sms"], "no sender configured")
}

func TestProcessor_PrunesInvalidTokens(t *testing.T) {
	push := &fakeSender{channel: models.ChannelPush, provider: "fcm", sendFunc: func(msg *channels.Message) (*channels.Result, error) {
		return &channels.Result{Provider: "fcm", InvalidTokens: []string{"token-u1"}},
			apperrors.NewInvalidRecipientError("push", "all tokens unregistered")
	}}
	f := newFixture(t, Config{}, push)
	f.addRecipients("u1")
	f.enqueue(t, "job-1", []string{"u1"}, models.ChannelPush)

	_, err := f.processor.Tick(context.Background())
	require.NoError(t, err)

	users, err := f.store.GetRecipients(context.Background(), []string{"u1"})
	require.NoError(t, err)
	assert.Empty(t, users["u1"].PushTokens)
	assert.Equal(t, models.DeliveryFailed, f.records(t, "job-1")[0].Status)
}

func TestProcessor_ExpiredJob(t *testing.T) {
	push := acceptingSender(models.ChannelPush, "fcm")
	f := newFixture(t, Config{}, push)
	f.addRecipients("u1")
	job := f.enqueue(t, "job-1", []string{"u1"}, models.ChannelPush)
	expired := f.clock.Now().Add(-time.Minute)
	job.ExpiresAt = &expired
	require.NoError(t, f.store.CreateJob(context.Background(), job))

	_, err := f.processor.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, push.Calls())
	rec := f.records(t, "job-1")[0]
	assert.Equal(t, models.DeliveryFailed, rec.Status)
	assert.Equal(t, "notification expired", rec.FailureReason)
	assert.Equal(t, models.JobFailed, f.job(t, "job-1").Status)
}

func TestProcessor_SendTimeout(t *testing.T) {
	f := newFixture(t, Config{SendTimeout: 20 * time.Millisecond}, &blockingSender{})
	f.addRecipients("u1")
	job := f.enqueue(t, "job-1", []string{"u1"}, models.ChannelEmail)
	job.MaxRetries = 1
	require.NoError(t, f.store.CreateJob(context.Background(), job))

	start := time.Now()
	_, err := f.processor.Tick(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, models.DeliveryFailed, f.records(t, "job-1")[0].Status)
}

type blockingSender struct{}

func (b *blockingSender) Channel() models.Channel { return models.ChannelEmail }
func (b *blockingSender) Provider() string        { return "blocking" }

func (b *blockingSender) Send(ctx context.Context, msg *channels.Message) (*channels.Result, error) {
	<-ctx.Done()
	return nil, apperrors.NewNotificationSendFailedError("email", ctx.Err())
}

// ==========================
// Cleanup and lifecycle
// ==========================

func TestProcessor_CleanupOldNotifications(t *testing.T) {
	f := newFixture(t, Config{})
	old := f.clock.Now().Add(-10 * 24 * time.Hour)

	for id, status := range map[string]models.JobStatus{
		"old-completed":  models.JobCompleted,
		"old-failed":     models.JobFailed,
		"old-partial":    models.JobPartiallyFailed,
		"old-queued":     models.JobQueued,
		"old-processing": models.JobProcessing,
	} {
		job := f.enqueue(t, id, []string{"u1"}, models.ChannelApp)
		job.Status = status
		job.CreatedAt = old
		require.NoError(t, f.store.CreateJob(context.Background(), job))
	}
	recent := f.enqueue(t, "recent-completed", []string{"u1"}, models.ChannelApp)
	recent.Status = models.JobCompleted
	require.NoError(t, f.store.CreateJob(context.Background(), recent))

	removed, err := f.processor.CleanupOldNotifications(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	for _, id := range []string{"old-queued", "old-processing", "recent-completed"} {
		_, err := f.store.GetJob(context.Background(), id)
		assert.NoError(t, err, id)
	}

	_, err = f.processor.CleanupOldNotifications(context.Background(), 0)
	assert.Error(t, err)
}

func TestProcessor_StartIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.True(t, f.processor.Start(ctx, 10*time.Millisecond))
	assert.False(t, f.processor.Start(ctx, 10*time.Millisecond))
	assert.True(t, f.processor.Running())

	f.processor.Stop()
	assert.False(t, f.processor.Running())
	f.processor.Cleanup()

	assert.True(t, f.processor.Start(ctx, 10*time.Millisecond))
	f.processor.Stop()
}

func TestProcessor_LoopDispatches(t *testing.T) {
	push := acceptingSender(models.ChannelPush, "fcm")
	f := newFixture(t, Config{}, push)
	f.addRecipients("u1")
	f.enqueue(t, "job-1", []string{"u1"}, models.ChannelPush)

	require.True(t, f.processor.Start(context.Background(), 10*time.Millisecond))
	defer f.processor.Stop()

	assert.Eventually(t, func() bool { return push.Calls() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second)

	assert.Equal(t, time.Second, b.Ceiling(1))
	assert.Equal(t, 2*time.Second, b.Ceiling(2))
	assert.Equal(t, 8*time.Second, b.Ceiling(4))
	assert.Equal(t, 10*time.Second, b.Ceiling(5))
	assert.Equal(t, 10*time.Second, b.Ceiling(64))

	for attempt := 1; attempt < 8; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, b.Ceiling(attempt)+1)
	}
}
