package models

import (
	"fmt"
	"time"
)

// ExpiryChoices is the menu of message lifetimes offered by the create form.
var ExpiryChoices = []time.Duration{
	1 * time.Hour,
	6 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
	48 * time.Hour,
	168 * time.Hour,
}

type SecretMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Viewed    bool      `json:"viewed"`
	ViewToken string    `json:"-"` // reserved, never sent to clients
}

func (m SecretMessage) Expired(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}

// ViewedMark records that a message id was revealed by this client.
type ViewedMark struct {
	ID        string
	ViewedAt  time.Time
	ExpiresAt time.Time
}

func (v ViewedMark) Expired(now time.Time) bool {
	return !v.ExpiresAt.After(now)
}

// FormatRemaining renders the time left until expiresAt as hh:mm:ss.
// Hours are not wrapped, so a week renders as 168:00:00.
func FormatRemaining(expiresAt, now time.Time) string {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return "00:00:00"
	}
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
