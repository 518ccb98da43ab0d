package channels

import (
	"context"
	"time"

	"fidelya-notifications/internal/models"
	"fidelya-notifications/internal/store"

	"github.com/google/uuid"
)

// InAppSender writes the notification into the in-app inbox. There is no
// provider round trip so the record is confirmed immediately.
type InAppSender struct {
	store store.InAppStore
}

func NewInAppSender(s store.InAppStore) *InAppSender {
	return &InAppSender{store: s}
}

func (s *InAppSender) Channel() models.Channel { return models.ChannelApp }
func (s *InAppSender) Provider() string        { return "inapp" }

func (s *InAppSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	n := &models.InAppNotification{
		ID:             uuid.NewString(),
		NotificationID: msg.Job.ID,
		DeliveryID:     msg.Record.ID,
		RecipientID:    msg.Record.RecipientID,
		Title:          msg.Job.Title,
		Message:        msg.Job.Message,
		Type:           msg.Job.Type,
		ActionURL:      msg.Job.ActionURL,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateInAppNotification(ctx, n); err != nil {
		return nil, transient(models.ChannelApp, err)
	}
	return &Result{Provider: s.Provider(), ProviderMessageID: n.ID, Confirmed: true}, nil
}
