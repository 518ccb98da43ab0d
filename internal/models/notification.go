// internal/models/notification.go
package models

import "time"

type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelApp   Channel = "app"
)

var AllChannels = []Channel{ChannelPush, ChannelEmail, ChannelSMS, ChannelApp}

func (c Channel) Valid() bool {
	switch c {
	case ChannelPush, ChannelEmail, ChannelSMS, ChannelApp:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type Category string

const (
	CategorySystem       Category = "system"
	CategoryMembership   Category = "membership"
	CategoryBenefit      Category = "benefit"
	CategoryPromotion    Category = "promotion"
	CategoryValidation   Category = "validation"
	CategoryAnnouncement Category = "announcement"
)

type NotificationType string

const (
	TypeInfo         NotificationType = "info"
	TypeSuccess      NotificationType = "success"
	TypeWarning      NotificationType = "warning"
	TypeError        NotificationType = "error"
	TypeAnnouncement NotificationType = "announcement"
)

type JobStatus string

const (
	JobQueued          JobStatus = "queued"
	JobProcessing      JobStatus = "processing"
	JobCompleted       JobStatus = "completed"
	JobFailed          JobStatus = "failed"
	JobPartiallyFailed JobStatus = "partially_failed"
)

// Terminal reports whether the job has reached an aggregate outcome.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobPartiallyFailed
}

var TerminalJobStatuses = []JobStatus{JobCompleted, JobFailed, JobPartiallyFailed}

// NotificationJob is one logical notification to one or more recipients,
// fanned out over Channels.
type NotificationJob struct {
	ID            string           `json:"id"`
	Title         string           `json:"title"`
	Message       string           `json:"message"`
	Category      Category         `json:"category"`
	Priority      Priority         `json:"priority"`
	Type          NotificationType `json:"type"`
	RecipientIDs  []string         `json:"recipientIds"`
	Channels      []Channel        `json:"channels"`
	ActionURL     string           `json:"actionUrl,omitempty"`
	Status        JobStatus        `json:"status"`
	RetryCount    int              `json:"retryCount"`
	MaxRetries    int              `json:"maxRetries"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	ExpiresAt     *time.Time       `json:"expiresAt,omitempty"`
	ClaimedAt     *time.Time       `json:"claimedAt,omitempty"`
	NextAttemptAt *time.Time       `json:"nextAttemptAt,omitempty"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
}

func (j *NotificationJob) Expired(now time.Time) bool {
	return j.ExpiresAt != nil && !j.ExpiresAt.After(now)
}

// InAppNotification is the row the in-app channel writes for the UI to read.
type InAppNotification struct {
	ID             string           `json:"id"`
	NotificationID string           `json:"notificationId"`
	DeliveryID     string           `json:"deliveryId"`
	RecipientID    string           `json:"recipientId"`
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	Type           NotificationType `json:"type"`
	ActionURL      string           `json:"actionUrl,omitempty"`
	Read           bool             `json:"read"`
	CreatedAt      time.Time        `json:"createdAt"`
}
