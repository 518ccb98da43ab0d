package queue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	apperrors "fidelya-notifications/internal/common/errors"
	"fidelya-notifications/internal/common/logger"
	"fidelya-notifications/internal/common/validation"
	"fidelya-notifications/internal/models"
	"fidelya-notifications/internal/store"
	"fidelya-notifications/pkg/registry"

	"github.com/google/uuid"
)

const maxEnqueueBody = 256 << 10

var enqueueSchema = validation.MustCompile("enqueue-request", `{
  "type": "object",
  "required": ["title", "message", "category", "recipientIds"],
  "properties": {
    "title": {"type": "string", "minLength": 1, "maxLength": 200},
    "message": {"type": "string", "minLength": 1, "maxLength": 4000},
    "category": {"enum": ["system", "membership", "benefit", "promotion", "validation", "announcement"]},
    "priority": {"enum": ["low", "medium", "high", "urgent"]},
    "type": {"enum": ["info", "success", "warning", "error", "announcement"]},
    "recipientIds": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
    "channels": {"type": "array", "items": {"enum": ["push", "email", "sms", "app"]}},
    "actionUrl": {"type": "string"},
    "expiresAt": {"type": "string", "format": "date-time"}
  }
}`)

// EnqueueRequest is the intake payload, over HTTP and over AMQP.
type EnqueueRequest struct {
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	Category     string     `json:"category"`
	Priority     string     `json:"priority,omitempty"`
	Type         string     `json:"type,omitempty"`
	RecipientIDs []string   `json:"recipientIds"`
	Channels     []string   `json:"channels,omitempty"`
	ActionURL    string     `json:"actionUrl,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

type EnqueueResponse struct {
	ID       string           `json:"id"`
	Status   models.JobStatus `json:"status"`
	Channels []models.Channel `json:"channels"`
}

// Intake validates enqueue requests and writes queued jobs.
type Intake struct {
	store      store.JobStore
	routes     *registry.ChannelRegistry
	maxRetries int
	logger     logger.Logger
	errors     *apperrors.ErrorHandler
	now        func() time.Time
}

func NewIntake(s store.JobStore, routes *registry.ChannelRegistry, maxRetries int, log logger.Logger) *Intake {
	l := logger.Component(log, "intake")
	return &Intake{
		store:      s,
		routes:     routes,
		maxRetries: maxRetries,
		logger:     l,
		errors:     apperrors.NewErrorHandler(l),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue validates body and stores a queued job.
func (i *Intake) Enqueue(ctx context.Context, body []byte) (*models.NotificationJob, error) {
	if result := enqueueSchema.ValidateBytes(body); !result.Valid {
		return nil, apperrors.NewInvalidNotificationError(result.Error())
	}

	var req EnqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apperrors.NewInvalidNotificationError(err.Error())
	}

	now := i.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, apperrors.NewInvalidNotificationError("expiresAt is in the past")
	}

	job := &models.NotificationJob{
		ID:           uuid.NewString(),
		Title:        req.Title,
		Message:      req.Message,
		Category:     models.Category(req.Category),
		Priority:     models.Priority(req.Priority),
		Type:         models.NotificationType(req.Type),
		RecipientIDs: dedupe(req.RecipientIDs),
		ActionURL:    req.ActionURL,
		Status:       models.JobQueued,
		MaxRetries:   i.maxRetries,
		ExpiresAt:    req.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if job.Priority == "" {
		job.Priority = models.PriorityMedium
	}
	if job.Type == "" {
		job.Type = models.TypeInfo
	}

	channels := req.Channels
	if len(channels) == 0 && i.routes != nil {
		route, _ := i.routes.Resolve(req.Category, string(job.Priority))
		channels = route.Channels
		if route.MaxRetries > 0 {
			job.MaxRetries = route.MaxRetries
		}
		if ttl := route.TTLDuration(); ttl > 0 && job.ExpiresAt == nil {
			exp := now.Add(ttl)
			job.ExpiresAt = &exp
		}
	}
	for _, ch := range dedupe(channels) {
		job.Channels = append(job.Channels, models.Channel(ch))
	}
	if len(job.Channels) == 0 {
		return nil, apperrors.NewInvalidNotificationError("no channels requested and no route configured")
	}

	if err := i.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	i.logger.Info("Notification enqueued", map[string]interface{}{
		"jobId":      job.ID,
		"category":   job.Category,
		"priority":   job.Priority,
		"recipients": len(job.RecipientIDs),
		"channels":   job.Channels,
	})
	return job, nil
}

// HandleMessage is the AMQP handler. Invalid payloads are not retryable and
// get dead-lettered by the consumer.
func (i *Intake) HandleMessage(ctx context.Context, body []byte) error {
	_, err := i.Enqueue(ctx, body)
	if err != nil {
		i.logger.Warn("Rejected notification request from broker", map[string]interface{}{"error": err})
	}
	return err
}

// HandleEnqueue serves POST /api/v1/notifications.
func (i *Intake) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnqueueBody))
	if err != nil {
		i.errors.HandleHTTPError(w, r, apperrors.NewInvalidNotificationError("unreadable body"))
		return
	}

	job, err := i.Enqueue(r.Context(), body)
	if err != nil {
		i.errors.HandleHTTPError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(EnqueueResponse{ID: job.ID, Status: job.Status, Channels: job.Channels})
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
