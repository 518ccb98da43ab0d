package models

import "time"

// Recipient is the contact data the channel senders need for one user.
type Recipient struct {
	ID         string   `json:"id"`
	Email      string   `json:"email,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	Name       string   `json:"name,omitempty"`
	PushTokens []string `json:"pushTokens,omitempty"`
}

// PushSubscriptionToken is one device/browser address for push delivery.
type PushSubscriptionToken struct {
	Token        string    `json:"token"`
	UserID       string    `json:"userId"`
	RegisteredAt time.Time `json:"registeredAt"`
}
