package pushsub

import (
	"fidelya-notifications/internal/models"
)

// ServiceWorkerPayload is what the browser service worker receives in the
// push event and shows with showNotification.
type ServiceWorkerPayload struct {
	Notification PayloadNotification `json:"notification"`
	Data         PayloadData         `json:"data"`
}

type PayloadNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	Badge string `json:"badge,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// PayloadData is echoed back by the worker on notificationclick and
// notificationclose. TrackingID is the delivery record id.
type PayloadData struct {
	Priority   string `json:"priority,omitempty"`
	ActionURL  string `json:"actionUrl,omitempty"`
	TrackingID string `json:"tracking_id,omitempty"`
}

// PayloadOptions carries the static icon and fallback link settings.
type PayloadOptions struct {
	Icon       string
	Badge      string
	DefaultURL string
}

// BuildPayload renders the push payload for one delivery record. The tag is
// the notification id so repeated pushes for one job replace each other.
func BuildPayload(job *models.NotificationJob, rec *models.DeliveryRecord, opts PayloadOptions) ServiceWorkerPayload {
	actionURL := job.ActionURL
	if actionURL == "" {
		actionURL = opts.DefaultURL
	}

	p := ServiceWorkerPayload{
		Notification: PayloadNotification{
			Title: job.Title,
			Body:  job.Message,
			Icon:  opts.Icon,
			Badge: opts.Badge,
			Tag:   job.ID,
		},
		Data: PayloadData{
			Priority:  string(job.Priority),
			ActionURL: actionURL,
		},
	}
	if rec != nil {
		p.Data.TrackingID = rec.ID
	}
	return p
}

// DataMap flattens Data into the string map FCM data messages require.
func (p ServiceWorkerPayload) DataMap() map[string]string {
	out := make(map[string]string, 3)
	if p.Data.Priority != "" {
		out["priority"] = p.Data.Priority
	}
	if p.Data.ActionURL != "" {
		out["actionUrl"] = p.Data.ActionURL
	}
	if p.Data.TrackingID != "" {
		out["tracking_id"] = p.Data.TrackingID
	}
	return out
}
