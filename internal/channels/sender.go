// Package channels holds the provider senders the queue processor
// dispatches delivery records to, one per channel.
package channels

import (
	"context"
	"fmt"

	apperrors "fidelya-notifications/internal/common/errors"
	apphttp "fidelya-notifications/internal/common/http"
	"fidelya-notifications/internal/models"
)

// Message is one delivery record with the data needed to render it.
type Message struct {
	Job       *models.NotificationJob
	Record    *models.DeliveryRecord
	Recipient *models.Recipient
}

// Result describes a provider acceptance.
type Result struct {
	Provider          string
	ProviderMessageID string
	// Confirmed is set by providers that never call back; the record goes
	// straight to delivered.
	Confirmed bool
	// InvalidTokens lists push tokens the provider reported unregistered.
	// It may be set alongside an error.
	InvalidTokens []string
}

// Sender delivers a Message over one channel. Errors are StandardErrors:
// NOTIFICATION_SEND_FAILED is transient, INVALID_RECIPIENT is permanent.
type Sender interface {
	Channel() models.Channel
	Provider() string
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// Registry maps each channel to its configured sender.
type Registry struct {
	senders map[models.Channel]Sender
}

func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[models.Channel]Sender, len(senders))}
	for _, s := range senders {
		if s != nil {
			r.senders[s.Channel()] = s
		}
	}
	return r
}

func (r *Registry) Get(ch models.Channel) (Sender, bool) {
	s, ok := r.senders[ch]
	return s, ok
}

func (r *Registry) Channels() []models.Channel {
	out := make([]models.Channel, 0, len(r.senders))
	for _, ch := range models.AllChannels {
		if _, ok := r.senders[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

func transient(ch models.Channel, err error) error {
	return apperrors.NewNotificationSendFailedError(string(ch), err)
}

func permanent(ch models.Channel, format string, args ...interface{}) error {
	return apperrors.NewInvalidRecipientError(string(ch), fmt.Sprintf(format, args...))
}

// classifyResponse maps a REST provider response to nil, a transient or a
// permanent error. 5xx and 429 are retried, other non-2xx statuses are not.
func classifyResponse(ch models.Channel, provider string, resp *apphttp.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	if resp.IsServerError() {
		return transient(ch, fmt.Errorf("%s returned status %d", provider, resp.StatusCode))
	}
	return permanent(ch, "%s rejected request with status %d: %s", provider, resp.StatusCode, truncate(string(resp.Body), 256))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
