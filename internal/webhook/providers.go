package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fidelya-notifications/internal/common/validation"
	"fidelya-notifications/internal/models"
)

const (
	ProviderSendGrid = "sendgrid"
	ProviderTwilio   = "twilio"
	ProviderFCM      = "fcm"
	ProviderSES      = "ses"
)

// Event is one provider status report normalized to the delivery vocabulary.
type Event struct {
	Provider  string `json:"provider"`
	MessageID string `json:"messageId"`
	// DeliveryID is set when the provider echoes our record id back
	// (SendGrid custom args, SES tags).
	DeliveryID string                `json:"deliveryId,omitempty"`
	RawStatus  string                `json:"rawStatus"`
	Status     models.DeliveryStatus `json:"status"`
	Reason     string                `json:"reason,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
	// Token is the device token an FCM failure refers to.
	Token      string `json:"token,omitempty"`
	PruneToken bool   `json:"pruneToken,omitempty"`
}

// parser turns a provider payload into events. A payload error rejects the
// whole request; skipped holds the events that were malformed on their own.
type parser func(payload json.RawMessage, now time.Time) (events []Event, skipped []error, err error)

var parsers = map[string]parser{
	ProviderSendGrid: parseSendGrid,
	ProviderTwilio:   parseTwilio,
	ProviderFCM:      parseFCM,
	ProviderSES:      parseSES,
}

// Providers lists the discriminators the endpoint accepts.
func Providers() []string {
	return []string{ProviderSendGrid, ProviderTwilio, ProviderFCM, ProviderSES}
}

var envelopeSchema = validation.MustCompile("webhook-envelope", `{
	"type": "object",
	"required": ["provider", "payload"],
	"properties": {
		"provider": {"type": "string", "minLength": 1},
		"payload": {"type": ["object", "array"]}
	}
}`)

type envelope struct {
	Provider string          `json:"provider"`
	Payload  json.RawMessage `json:"payload"`
}

// ==========================
// Vocabulary
// ==========================

func MapSendGridStatus(event string) models.DeliveryStatus {
	switch strings.ToLower(event) {
	case "delivered", "processed":
		return models.DeliveryDelivered
	case "bounce", "dropped", "spamreport", "unsubscribe":
		return models.DeliveryFailed
	default:
		return models.DeliverySent
	}
}

func MapTwilioStatus(status string) models.DeliveryStatus {
	switch strings.ToLower(status) {
	case "delivered":
		return models.DeliveryDelivered
	case "failed", "undelivered":
		return models.DeliveryFailed
	case "sent":
		return models.DeliverySent
	default:
		return models.DeliveryPending
	}
}

func MapFCMStatus(status string) models.DeliveryStatus {
	if strings.ToLower(status) == "success" {
		return models.DeliveryDelivered
	}
	return models.DeliveryFailed
}

// MapSESStatus maps an SES notification type. Types it does not know map to
// sent, which never moves a record that is already sent.
func MapSESStatus(notificationType string) models.DeliveryStatus {
	switch notificationType {
	case "Delivery":
		return models.DeliveryDelivered
	case "Bounce":
		return models.DeliveryBounced
	case "Complaint", "Reject":
		return models.DeliveryFailed
	default:
		return models.DeliverySent
	}
}

// FCM error codes after which the token will never work again.
func fcmTokenDead(code string) bool {
	switch code {
	case "InvalidToken", "NotRegistered", "Unregistered", "UNREGISTERED", "INVALID_ARGUMENT":
		return true
	}
	return false
}

// ==========================
// SendGrid
// ==========================

var sendGridEventSchema = validation.MustCompile("sendgrid-event", `{
	"type": "object",
	"required": ["sg_message_id", "event"],
	"properties": {
		"sg_message_id": {"type": "string", "minLength": 1},
		"event": {"type": "string", "minLength": 1},
		"timestamp": {"type": "integer"},
		"reason": {"type": "string"},
		"delivery_id": {"type": "string"}
	}
}`)

type sendGridEvent struct {
	MessageID  string `json:"sg_message_id"`
	Event      string `json:"event"`
	Timestamp  int64  `json:"timestamp"`
	Reason     string `json:"reason"`
	Response   string `json:"response"`
	DeliveryID string `json:"delivery_id"`
}

// SendGrid posts arrays; a single event object is accepted too.
func parseSendGrid(payload json.RawMessage, now time.Time) ([]Event, []error, error) {
	items, err := splitItems(payload)
	if err != nil {
		return nil, nil, err
	}

	var events []Event
	var skipped []error
	for i, item := range items {
		if res := sendGridEventSchema.ValidateBytes(item); !res.Valid {
			skipped = append(skipped, fmt.Errorf("event %d: %s", i, res.Error()))
			continue
		}
		var e sendGridEvent
		if err := json.Unmarshal(item, &e); err != nil {
			skipped = append(skipped, fmt.Errorf("event %d: %w", i, err))
			continue
		}

		// sg_message_id is the X-Message-Id of the send plus a filter suffix
		messageID, _, _ := strings.Cut(e.MessageID, ".")
		reason := e.Reason
		if reason == "" {
			reason = e.Response
		}
		status := MapSendGridStatus(e.Event)
		if status != models.DeliveryFailed {
			reason = ""
		} else if reason == "" {
			reason = "sendgrid: " + e.Event
		}

		events = append(events, Event{
			Provider:   ProviderSendGrid,
			MessageID:  messageID,
			DeliveryID: e.DeliveryID,
			RawStatus:  e.Event,
			Status:     status,
			Reason:     reason,
			Timestamp:  unixOr(e.Timestamp, now),
		})
	}
	return events, skipped, nil
}

// ==========================
// Twilio
// ==========================

var twilioSchema = validation.MustCompile("twilio-status", `{
	"type": "object",
	"required": ["MessageSid", "MessageStatus"],
	"properties": {
		"MessageSid": {"type": "string", "minLength": 1},
		"MessageStatus": {"type": "string", "minLength": 1},
		"ErrorCode": {"type": ["string", "integer", "null"]},
		"ErrorMessage": {"type": ["string", "null"]}
	}
}`)

type twilioStatus struct {
	MessageSid    string      `json:"MessageSid"`
	MessageStatus string      `json:"MessageStatus"`
	ErrorCode     interface{} `json:"ErrorCode"`
	ErrorMessage  string      `json:"ErrorMessage"`
}

func parseTwilio(payload json.RawMessage, now time.Time) ([]Event, []error, error) {
	if res := twilioSchema.ValidateBytes(payload); !res.Valid {
		return nil, nil, fmt.Errorf("twilio: %s", res.Error())
	}
	var s twilioStatus
	if err := decodeNumbers(payload, &s); err != nil {
		return nil, nil, fmt.Errorf("twilio: %w", err)
	}

	status := MapTwilioStatus(s.MessageStatus)
	var reason string
	if status == models.DeliveryFailed {
		reason = "twilio: " + s.MessageStatus
		if code := fmt.Sprint(s.ErrorCode); s.ErrorCode != nil && code != "" {
			reason = "twilio error " + code
		}
		if s.ErrorMessage != "" {
			reason += ": " + s.ErrorMessage
		}
	}

	return []Event{{
		Provider:  ProviderTwilio,
		MessageID: s.MessageSid,
		RawStatus: s.MessageStatus,
		Status:    status,
		Reason:    reason,
		Timestamp: now,
	}}, nil, nil
}

// ==========================
// FCM
// ==========================

var fcmEventSchema = validation.MustCompile("fcm-event", `{
	"type": "object",
	"required": ["message_id", "status"],
	"properties": {
		"message_id": {"type": "string", "minLength": 1},
		"status": {"type": "string", "minLength": 1},
		"error": {"type": ["string", "null"]},
		"token": {"type": ["string", "null"]},
		"timestamp": {"type": ["string", "integer", "null"]}
	}
}`)

type fcmEvent struct {
	MessageID string          `json:"message_id"`
	Status    string          `json:"status"`
	Error     string          `json:"error"`
	Token     string          `json:"token"`
	Timestamp json.RawMessage `json:"timestamp"`
}

func parseFCM(payload json.RawMessage, now time.Time) ([]Event, []error, error) {
	items, err := splitItems(payload)
	if err != nil {
		return nil, nil, err
	}

	var events []Event
	var skipped []error
	for i, item := range items {
		if res := fcmEventSchema.ValidateBytes(item); !res.Valid {
			skipped = append(skipped, fmt.Errorf("event %d: %s", i, res.Error()))
			continue
		}
		var e fcmEvent
		if err := json.Unmarshal(item, &e); err != nil {
			skipped = append(skipped, fmt.Errorf("event %d: %w", i, err))
			continue
		}

		ev := Event{
			Provider:  ProviderFCM,
			MessageID: e.MessageID,
			RawStatus: e.Status,
			Status:    MapFCMStatus(e.Status),
			Token:     e.Token,
			Timestamp: flexibleTime(e.Timestamp, now),
		}
		if ev.Status == models.DeliveryFailed {
			ev.Reason = e.Error
			if ev.Reason == "" {
				ev.Reason = "fcm: " + e.Status
			}
			ev.PruneToken = e.Token != "" && fcmTokenDead(e.Error)
		}
		events = append(events, ev)
	}
	return events, skipped, nil
}

// ==========================
// SES (notifications relayed by SNS)
// ==========================

var snsEnvelopeSchema = validation.MustCompile("ses-sns-envelope", `{
	"type": "object",
	"required": ["Type"],
	"properties": {
		"Type": {"type": "string"},
		"Message": {"type": "string"},
		"MessageId": {"type": "string"}
	}
}`)

var sesMessageSchema = validation.MustCompile("ses-notification", `{
	"type": "object",
	"required": ["mail"],
	"properties": {
		"notificationType": {"type": "string"},
		"eventType": {"type": "string"},
		"mail": {
			"type": "object",
			"required": ["messageId"],
			"properties": {"messageId": {"type": "string", "minLength": 1}}
		}
	},
	"anyOf": [
		{"required": ["notificationType"]},
		{"required": ["eventType"]}
	]
}`)

type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

type sesNotification struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		MessageID string              `json:"messageId"`
		Tags      map[string][]string `json:"tags"`
	} `json:"mail"`
	Bounce *struct {
		BounceType    string    `json:"bounceType"`
		BounceSubType string    `json:"bounceSubType"`
		Timestamp     time.Time `json:"timestamp"`
	} `json:"bounce"`
	Complaint *struct {
		ComplaintFeedbackType string    `json:"complaintFeedbackType"`
		Timestamp             time.Time `json:"timestamp"`
	} `json:"complaint"`
	Delivery *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"delivery"`
}

func parseSES(payload json.RawMessage, now time.Time) ([]Event, []error, error) {
	if res := snsEnvelopeSchema.ValidateBytes(payload); !res.Valid {
		return nil, nil, fmt.Errorf("ses: %s", res.Error())
	}
	var env snsEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, fmt.Errorf("ses: %w", err)
	}
	// subscription handshakes carry no delivery status
	if env.Type != "Notification" {
		return nil, nil, nil
	}

	msg := []byte(env.Message)
	if res := sesMessageSchema.ValidateBytes(msg); !res.Valid {
		return nil, nil, fmt.Errorf("ses message: %s", res.Error())
	}
	var n sesNotification
	if err := json.Unmarshal(msg, &n); err != nil {
		return nil, nil, fmt.Errorf("ses message: %w", err)
	}

	kind := n.NotificationType
	if kind == "" {
		kind = n.EventType
	}
	ev := Event{
		Provider:  ProviderSES,
		MessageID: n.Mail.MessageID,
		RawStatus: kind,
		Status:    MapSESStatus(kind),
		Timestamp: now,
	}
	if ids := n.Mail.Tags["delivery_id"]; len(ids) > 0 {
		ev.DeliveryID = ids[0]
	}

	switch {
	case n.Delivery != nil && kind == "Delivery":
		ev.Timestamp = timeOr(n.Delivery.Timestamp, now)
	case n.Bounce != nil && kind == "Bounce":
		ev.Timestamp = timeOr(n.Bounce.Timestamp, now)
		ev.Reason = strings.TrimSpace(fmt.Sprintf("ses bounce: %s %s", n.Bounce.BounceType, n.Bounce.BounceSubType))
	case n.Complaint != nil && kind == "Complaint":
		ev.Timestamp = timeOr(n.Complaint.Timestamp, now)
		ev.Reason = strings.TrimSpace("ses complaint: " + n.Complaint.ComplaintFeedbackType)
	case kind == "Complaint" || kind == "Reject":
		ev.Reason = "ses: " + strings.ToLower(kind)
	}
	return []Event{ev}, nil, nil
}

// ==========================
// helpers
// ==========================

func splitItems(payload json.RawMessage) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
		return items, nil
	}
	return []json.RawMessage{payload}, nil
}

func decodeNumbers(data []byte, v interface{}) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	return dec.Decode(v)
}

func unixOr(sec int64, fallback time.Time) time.Time {
	if sec <= 0 {
		return fallback
	}
	return time.Unix(sec, 0).UTC()
}

func timeOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t.UTC()
}

// flexibleTime reads an RFC 3339 string or unix seconds.
func flexibleTime(raw json.RawMessage, fallback time.Time) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
		return fallback
	}
	var sec int64
	if err := json.Unmarshal(raw, &sec); err == nil {
		return unixOr(sec, fallback)
	}
	return fallback
}
