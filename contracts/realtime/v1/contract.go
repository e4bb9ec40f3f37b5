// Package v1 defines the attendance dashboard realtime protocol, version 1.
//
// It is shared between the server and dashboard clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated on upgrade.
const Subprotocol = "attend.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a connection handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSessionJoin subscribes to a session's live feed (client -> server) and is echoed back.
	TypeSessionJoin = "session_join"
	// TypeSessionLeave unsubscribes from a session (client -> server) and is echoed back.
	TypeSessionLeave = "session_leave"

	// TypeCheckIn is pushed to subscribers when an attendee is admitted.
	TypeCheckIn = "check-in"
	// TypeSessionRotated is pushed when the session token changes.
	TypeSessionRotated = "session.rotated"
	// TypeSessionClosed is pushed when the session is closed.
	TypeSessionClosed = "session.closed"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V         string          `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	TS        time.Time       `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSessionJoin,
		TypeSessionLeave,
		TypeCheckIn,
		TypeSessionRotated,
		TypeSessionClosed,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate the handshake.
type HelloPayload struct {
	Client string `json:"client,omitempty"`
}

// HelloAckPayload carries the server-assigned connection id.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
	Subject      string `json:"subject,omitempty"`
}

// SessionJoinPayload requests a subscription. The server echo carries the session summary.
type SessionJoinPayload struct {
	SessionID    string     `json:"session_id"`
	Name         string     `json:"name,omitempty"`
	Location     string     `json:"location,omitempty"`
	Status       string     `json:"status,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CheckInCount int        `json:"checkin_count,omitempty"`
}

// SessionLeavePayload ends a subscription.
type SessionLeavePayload struct {
	SessionID string `json:"session_id"`
}

// CheckInPayload describes one admitted attendee.
type CheckInPayload struct {
	SessionID   string    `json:"session_id"`
	CheckInID   string    `json:"checkin_id"`
	Name        string    `json:"name"`
	Email       string    `json:"email,omitempty"`
	Location    string    `json:"location"`
	Source      string    `json:"source"`
	CheckedInAt time.Time `json:"checked_in_at"`
}

// SessionRotatedPayload carries the new check-in link so dashboards can redraw the QR code.
type SessionRotatedPayload struct {
	SessionID  string    `json:"session_id"`
	CheckInURL string    `json:"checkin_url"`
	RotatedAt  time.Time `json:"rotated_at"`
}

// SessionClosedPayload announces that a session stopped accepting check-ins.
type SessionClosedPayload struct {
	SessionID string    `json:"session_id"`
	ClosedAt  time.Time `json:"closed_at"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
