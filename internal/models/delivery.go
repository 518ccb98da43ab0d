// internal/models/delivery.go
package models

import "time"

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryBounced   DeliveryStatus = "bounced"
)

var TerminalDeliveryStatuses = []DeliveryStatus{DeliveryDelivered, DeliveryFailed, DeliveryBounced}

func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed || s == DeliveryBounced
}

// DeliveryRecord is one attempt to deliver a job to one recipient over one
// channel. ID is local; ProviderMessageID is what webhooks correlate on.
type DeliveryRecord struct {
	ID                string         `json:"id"`
	NotificationID    string         `json:"notificationId"`
	RecipientID       string         `json:"recipientId"`
	Channel           Channel        `json:"channel"`
	Status            DeliveryStatus `json:"status"`
	Provider          string         `json:"provider,omitempty"`
	ProviderMessageID string         `json:"providerMessageId,omitempty"`
	FailureReason     string         `json:"failureReason,omitempty"`
	RetryCount        int            `json:"retryCount"`
	SentAt            *time.Time     `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time     `json:"deliveredAt,omitempty"`
	NextAttemptAt     *time.Time     `json:"nextAttemptAt,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// Due reports whether a pending record may be dispatched at now.
func (r *DeliveryRecord) Due(now time.Time) bool {
	return r.Status == DeliveryPending && (r.NextAttemptAt == nil || !r.NextAttemptAt.After(now))
}

// DeliveryKey is the unique (notification, recipient, channel) triple.
type DeliveryKey struct {
	NotificationID string
	RecipientID    string
	Channel        Channel
}

func (r *DeliveryRecord) Key() DeliveryKey {
	return DeliveryKey{NotificationID: r.NotificationID, RecipientID: r.RecipientID, Channel: r.Channel}
}

// DeliveryCounts summarizes the records of one job.
type DeliveryCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Bounced   int `json:"bounced"`
}

func (c *DeliveryCounts) Add(status DeliveryStatus) {
	c.Total++
	switch status {
	case DeliveryPending:
		c.Pending++
	case DeliverySent:
		c.Sent++
	case DeliveryDelivered:
		c.Delivered++
	case DeliveryFailed:
		c.Failed++
	case DeliveryBounced:
		c.Bounced++
	}
}

func (c DeliveryCounts) AllTerminal() bool {
	return c.Total > 0 && c.Pending == 0 && c.Sent == 0
}
