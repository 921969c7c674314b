package models

import "time"

// Notification is the message carried on the notification bus.
type Notification struct {
	ID        string         `json:"id"`
	Template  string         `json:"template"`
	Audience  string         `json:"audience"`
	UserID    string         `json:"userId,omitempty"`
	Recipient *User          `json:"recipient,omitempty"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"createdAt"`
}
