package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"fidelya-notifications/internal/channels"
	"fidelya-notifications/internal/common/config"
	"fidelya-notifications/internal/common/logger"
	"fidelya-notifications/internal/models"
	"fidelya-notifications/internal/pushsub"
	"fidelya-notifications/internal/queue"
	"fidelya-notifications/internal/store/memory"
	"fidelya-notifications/internal/webhook"
	"fidelya-notifications/pkg/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmailSender struct {
	messageID string
	sent      []string
}

func (s *stubEmailSender) Channel() models.Channel { return models.ChannelEmail }
func (s *stubEmailSender) Provider() string        { return webhook.ProviderSendGrid }

func (s *stubEmailSender) Send(_ context.Context, msg *channels.Message) (*channels.Result, error) {
	s.sent = append(s.sent, msg.Recipient.Email)
	return &channels.Result{Provider: webhook.ProviderSendGrid, ProviderMessageID: s.messageID}, nil
}

// Enqueue over HTTP, dispatch on a tick, then confirm through the webhook.
func TestPipeline_EnqueueDispatchWebhook(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger(t)

	st := memory.NewMemoryStore()
	st.PutRecipient(&models.Recipient{ID: "u1", Email: "socio@fidelya.app"})

	routes, err := registry.Parse([]byte(`{"default": ["app"], "routes": [
		{"id": "membership", "category": "membership", "channels": ["email"]}
	]}`))
	require.NoError(t, err)

	sender := &stubEmailSender{messageID: "sg-pipeline-1"}
	processor := queue.NewProcessor(queue.Config{}, queue.Dependencies{
		Store:   st,
		Senders: channels.NewRegistry(sender),
		Logger:  log,
	})

	secret := "pipeline-secret"
	hook := webhook.NewHandler(webhook.HandlerConfig{},
		webhook.NewService(webhook.ServiceDependencies{Store: st, Logger: log}),
		webhook.NewVerifier(map[string]string{webhook.ProviderSendGrid: secret}, ""),
		log, nil)

	h := New(config.ServerConfig{}, Dependencies{
		Enqueue: queue.NewIntake(st, routes, 3, log).HandleEnqueue,
		Webhook: hook,
		Push:    pushsub.NewHandlers(st, st, log),
		Queue:   processor,
		Logger:  log,
	}).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/notifications",
		`{"title":"Tu membresía","message":"Se renovó tu plan","category":"membership","recipientIds":["u1"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var enqueued queue.EnqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enqueued))
	assert.Equal(t, []models.Channel{models.ChannelEmail}, enqueued.Channels)

	result, err := processor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dispatched)
	assert.Equal(t, []string{"socio@fidelya.app"}, sender.sent)

	job, err := st.GetJob(ctx, enqueued.ID)
	require.NoError(t, err)
	assert.False(t, job.Status.Terminal(), "email waits for the provider callback")

	body, err := json.Marshal(map[string]interface{}{
		"provider": webhook.ProviderSendGrid,
		"payload": []map[string]interface{}{
			{"sg_message_id": "sg-pipeline-1.filter0001", "event": "delivered", "timestamp": 1760436000},
		},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, WebhookPath, bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(secret, body))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	job, err = st.GetJob(ctx, enqueued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)

	records, err := st.ListDeliveries(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.DeliveryDelivered, records[0].Status)
	require.NotNil(t, records[0].DeliveredAt)

	rec = do(t, h, http.MethodGet, "/api/v1/queue/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health queue.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, queue.HealthHealthy, health.Status)
	assert.Equal(t, 1, health.Metrics.CompletedJobs)
}
