package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "fidelya-notifications/internal/common/errors"
	"fidelya-notifications/internal/common/logger"
	"fidelya-notifications/internal/common/metrics"
	"fidelya-notifications/internal/common/observability"

	"go.opentelemetry.io/otel/attribute"
)

const defaultMaxBody = 1 << 20

// Handler serves POST /webhooks/delivery-status.
type Handler struct {
	service  *Service
	verifier *Verifier
	errors   *apperrors.ErrorHandler
	logger   logger.Logger
	obs      *observability.Observability
	maxBody  int64
}

type HandlerConfig struct {
	MaxBodyBytes int64
}

func NewHandler(cfg HandlerConfig, service *Service, verifier *Verifier, log logger.Logger, obs *observability.Observability) *Handler {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	log = logger.Component(log, "webhook-handler")
	return &Handler{
		service:  service,
		verifier: verifier,
		errors:   apperrors.NewErrorHandler(log),
		logger:   log,
		obs:      obs,
		maxBody:  maxBody,
	}
}

type successResponse struct {
	Success bool `json:"success"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.obs.StartSpan(r.Context(), "webhook.ingest")
	defer span.End()
	r = r.WithContext(ctx)

	provider := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequests.WithLabelValues(provider, strconv.Itoa(status)).Inc()
	}()

	fail := func(err error) {
		status = apperrors.HTTPStatus(codeOf(err))
		h.errors.HandleHTTPError(w, r, err)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(apperrors.NewWebhookPayloadInvalidError("body exceeds " + strconv.FormatInt(h.maxBody, 10) + " bytes"))
			return
		}
		fail(apperrors.NewWebhookPayloadInvalidError("unreadable body"))
		return
	}

	if res := envelopeSchema.ValidateBytes(body); !res.Valid {
		fail(apperrors.NewWebhookPayloadInvalidError(res.Error()))
		return
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		fail(apperrors.NewWebhookPayloadInvalidError(err.Error()))
		return
	}

	parse, ok := parsers[env.Provider]
	if !ok {
		fail(apperrors.NewWebhookPayloadInvalidError("unknown provider " + strconv.Quote(env.Provider)))
		return
	}
	provider = env.Provider
	span.SetAttributes(attribute.String("provider", provider))

	if err := h.verifier.Verify(provider, r, body); err != nil {
		h.logger.Warn("Rejected webhook with bad signature", map[string]interface{}{
			"provider": provider,
			"error":    err,
		})
		fail(err)
		return
	}

	events, skipped, err := parse(env.Payload, time.Now().UTC())
	if err != nil {
		fail(apperrors.NewWebhookPayloadInvalidError(err.Error()))
		return
	}
	for _, s := range skipped {
		h.logger.Warn("Skipping malformed webhook event", map[string]interface{}{"provider": provider, "error": s})
		metrics.WebhookEvents.WithLabelValues(provider, "malformed").Inc()
	}

	sum := h.service.ApplyEvents(ctx, events)
	sum.Skipped = len(skipped)

	h.logger.Info("Webhook processed", map[string]interface{}{
		"provider": provider,
		"events":   len(events),
		"skipped":  sum.Skipped,
		"results":  sum.Results,
	})

	// store failures are the only case worth a provider retry
	if sum.Failed() {
		fail(apperrors.NewInternalError(errors.New("delivery store unavailable")))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(successResponse{Success: true})
}

func codeOf(err error) apperrors.ErrorCode {
	if stdErr, ok := apperrors.AsStandardError(err); ok {
		return stdErr.Code
	}
	return apperrors.ErrCodeInternal
}
