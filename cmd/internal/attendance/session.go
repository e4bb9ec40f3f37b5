package attendance

import (
	"net/url"
	"strings"
	"time"
)

// Status is the persisted lifecycle state of a session.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusClosed Status = "CLOSED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusClosed
}

// Source records how a check-in entered the system.
type Source string

const (
	SourceQR     Source = "qr"
	SourceManual Source = "manual"
)

// Session is an attendance session row.
type Session struct {
	ID       string `db:"id"`
	Name     string `db:"name"`
	Location string `db:"location"`
	Status   Status `db:"status"`

	CurrentToken   string    `db:"current_token"`
	TokenRotatedAt time.Time `db:"token_rotated_at"`

	StartsAt  time.Time `db:"starts_at"`
	ExpiresAt time.Time `db:"expires_at"`

	Notes     string     `db:"notes"`
	CreatedBy *string    `db:"created_by"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
	ClosedAt  *time.Time `db:"closed_at"`
}

// WithinWindow reports whether now falls inside [StartsAt, ExpiresAt].
func (s Session) WithinWindow(now time.Time) bool {
	return !now.Before(s.StartsAt) && !now.After(s.ExpiresAt)
}

// Usable reports whether the session would accept a check-in with its current token at now.
func (s Session) Usable(now time.Time) bool {
	return s.Status == StatusActive && s.WithinWindow(now)
}

// EffectiveStatus folds lazy expiry into the persisted status:
// an ACTIVE session past ExpiresAt reports CLOSED.
func (s Session) EffectiveStatus(now time.Time) Status {
	if s.Status == StatusClosed || now.After(s.ExpiresAt) {
		return StatusClosed
	}
	return StatusActive
}

// CheckInURL renders the client-facing link encoded into the QR code.
func (s Session) CheckInURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	return base + "/checkin/" + url.PathEscape(s.ID) + "?t=" + url.QueryEscape(s.CurrentToken)
}

// CheckIn is an immutable record of one attendee's presence.
type CheckIn struct {
	ID          string    `db:"id"`
	SessionID   string    `db:"session_id"`
	Name        string    `db:"name"`
	Email       *string   `db:"email"`
	Location    string    `db:"location"`
	CheckedInAt time.Time `db:"checked_in_at"`
	UserID      *string   `db:"user_id"`
	Source      Source    `db:"source"`
	RecordedBy  *string   `db:"recorded_by"`
}

// Attendee is the caller-supplied part of a check-in.
type Attendee struct {
	Name     string `json:"name" validate:"required,max=200"`
	Email    string `json:"email" validate:"omitempty,email,max=320"`
	Location string `json:"location" validate:"omitempty,max=64"`

	// UserID is set by the identity layer when the attendee is logged in.
	UserID string `json:"-" validate:"omitempty,max=128"`
}

func (a Attendee) normalized() Attendee {
	return Attendee{
		Name:     strings.Join(strings.Fields(a.Name), " "),
		Email:    strings.ToLower(strings.TrimSpace(a.Email)),
		Location: strings.ToUpper(strings.TrimSpace(a.Location)),
		UserID:   strings.TrimSpace(a.UserID),
	}
}

// EventType names a realtime event published for a session.
type EventType string

const (
	EventCheckIn       EventType = "check-in"
	EventTokenRotated  EventType = "session.rotated"
	EventSessionClosed EventType = "session.closed"
)

// Event is what the service hands to the publisher after a state change.
// Exactly one of CheckIn or Session is set, depending on Type.
type Event struct {
	Type      EventType
	SessionID string
	At        time.Time
	CheckIn   *CheckIn
	Session   *Session
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
