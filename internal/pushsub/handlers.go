package pushsub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	apperrors "fidelya-notifications/internal/common/errors"
	"fidelya-notifications/internal/common/logger"
	"fidelya-notifications/internal/common/metrics"
	"fidelya-notifications/internal/common/validation"
	"fidelya-notifications/internal/models"

	"github.com/go-chi/chi/v5"
)

var tokenSchema = validation.MustCompile("push-token", `{
	"type": "object",
	"required": ["token"],
	"properties": {
		"token": {"type": "string", "minLength": 16, "maxLength": 4096}
	}
}`)

var trackingSchema = validation.MustCompile("tracking-beacon", `{
	"type": "object",
	"required": ["tracking_id", "event"],
	"properties": {
		"tracking_id": {"type": "string", "minLength": 1},
		"event": {"type": "string", "enum": ["dismissed", "clicked"]}
	}
}`)

type tokenRequest struct {
	Token string `json:"token"`
}

// TrackingBeacon is what the service worker posts on notificationclick
// and notificationclose.
type TrackingBeacon struct {
	TrackingID string `json:"tracking_id"`
	Event      string `json:"event"`
}

type DeliveryReader interface {
	GetDelivery(ctx context.Context, id string) (*models.DeliveryRecord, error)
}

// Handlers is the server side of the subscription manager: the token store
// surface and the tracking beacon.
type Handlers struct {
	tokens     TokenStore
	deliveries DeliveryReader
	errors     *apperrors.ErrorHandler
	logger     logger.Logger
}

func NewHandlers(tokens TokenStore, deliveries DeliveryReader, log logger.Logger) *Handlers {
	log = logger.Component(log, "push-tokens")
	return &Handlers{
		tokens:     tokens,
		deliveries: deliveries,
		errors:     apperrors.NewErrorHandler(log),
		logger:     log,
	}
}

// Routes mounts the handlers on r.
func (h *Handlers) Routes(r chi.Router) {
	r.Post("/users/{userID}/push-tokens", h.AddToken)
	r.Delete("/users/{userID}/push-tokens/{token}", h.RemoveToken)
	r.Post("/notifications/track", h.Track)
}

func (h *Handlers) AddToken(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<10))
	if err != nil {
		h.errors.HandleHTTPError(w, r, apperrors.NewInvalidRecipientError("push", "unreadable body"))
		return
	}
	if res := tokenSchema.ValidateBytes(body); !res.Valid {
		h.errors.HandleHTTPError(w, r, apperrors.NewInvalidRecipientError("push", res.Error()))
		return
	}
	var req tokenRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.errors.HandleHTTPError(w, r, apperrors.NewInvalidRecipientError("push", err.Error()))
		return
	}

	if err := h.tokens.AddPushToken(r.Context(), userID, req.Token); err != nil {
		h.errors.HandleHTTPError(w, r, err)
		return
	}
	h.logger.Info("Push token registered", map[string]interface{}{"userId": userID})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) RemoveToken(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	token := chi.URLParam(r, "token")

	if err := h.tokens.RemovePushToken(r.Context(), userID, token); err != nil {
		h.errors.HandleHTTPError(w, r, err)
		return
	}
	h.logger.Info("Push token removed", map[string]interface{}{"userId": userID})
	w.WriteHeader(http.StatusNoContent)
}

// Track records a click or dismissal. Beacons for records this instance
// does not know are counted and accepted.
func (h *Handlers) Track(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<10))
	if err != nil {
		h.errors.HandleHTTPError(w, r, apperrors.NewInvalidNotificationError("unreadable body"))
		return
	}
	if res := trackingSchema.ValidateBytes(body); !res.Valid {
		h.errors.HandleHTTPError(w, r, apperrors.NewInvalidNotificationError(res.Error()))
		return
	}
	var beacon TrackingBeacon
	if err := json.Unmarshal(body, &beacon); err != nil {
		h.errors.HandleHTTPError(w, r, apperrors.NewInvalidNotificationError(err.Error()))
		return
	}

	metrics.TrackingEvents.WithLabelValues(beacon.Event).Inc()

	fields := map[string]interface{}{"deliveryId": beacon.TrackingID, "event": beacon.Event}
	if h.deliveries != nil {
		if rec, err := h.deliveries.GetDelivery(r.Context(), beacon.TrackingID); err == nil {
			fields["jobId"] = rec.NotificationID
			fields["recipientId"] = rec.RecipientID
		} else {
			fields["known"] = false
		}
	}
	h.logger.Info("Notification interaction tracked", fields)
	w.WriteHeader(http.StatusAccepted)
}
