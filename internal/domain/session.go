package domain

import "time"

// Session is the identity a participant device acts under.
type Session struct {
	TeamID    string    `json:"team_id"`
	TeamName  string    `json:"team_name"`
	TeamCode  string    `json:"team_code"`
	DeviceID  string    `json:"device_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Event is pushed to websocket subscribers.
type Event struct {
	Type   string    `json:"type"`
	TeamID string    `json:"team_id,omitempty"`
	Data   any       `json:"data,omitempty"`
	At     time.Time `json:"at"`
}

// Event types.
const (
	EventSessionRevoked = "session.revoked"
	EventWindowChanged  = "window.changed"
	EventClaimChanged   = "claim.changed"
	// EventAvailabilityChanged tells clients to refetch availability.
	EventAvailabilityChanged = "availability.changed"
)
