package models

import "time"

// TempVisitorLink is a single-use registration credential minted from a
// StaticEntryPoint.
type TempVisitorLink struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
	QueueID   *string   `json:"queue_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the link can no longer be consumed because of its
// age. A used link is dead regardless of Expired.
func (l TempVisitorLink) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

func (l TempVisitorLink) Valid(now time.Time) bool {
	return !l.Used && !l.Expired(now)
}

// StaticEntryPoint is the printed, never-consumed token behind a QR code.
type StaticEntryPoint struct {
	Token     string    `json:"token"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}
