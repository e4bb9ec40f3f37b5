package attendance

import (
	"context"
	"time"
)

// AdmitFunc runs against the locked session row inside Store.RecordCheckIn.
// s is nil when the session does not exist. It returns the record to insert,
// or an error that aborts the write.
type AdmitFunc func(s *Session) (CheckIn, error)

// ListSessionsFilter narrows ListSessions.
type ListSessionsFilter struct {
	Status *Status

	// UsableAt, when non-zero, keeps only ACTIVE sessions whose window contains it.
	UsableAt time.Time

	Limit int
}

// Store persists sessions and check-ins.
//
// Requirements:
//   - Mutations are single-row and linearizable per session.
//   - RecordCheckIn and RotateToken serialize on the same per-session lock, so a
//     committed rotation is visible to every later admission.
//   - current_token is unique across all sessions.
//   - Check-ins are append-only and listed by CheckedInAt ASC, then ID ASC.
type Store interface {
	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, f ListSessionsFilter) ([]Session, error)
	UpdateNotes(ctx context.Context, id, notes string, now time.Time) (Session, error)

	// RotateToken replaces current_token. It fails with ErrNotFound or ErrSessionClosed.
	RotateToken(ctx context.Context, id, newToken string, now time.Time) (Session, error)

	// CloseSession transitions ACTIVE -> CLOSED. changed is false when the session
	// was already closed; the stored row is then returned untouched.
	CloseSession(ctx context.Context, id string, now time.Time) (s Session, changed bool, err error)

	// FindActiveByToken returns the ACTIVE session whose current token is tok.
	// It does not look at the time window.
	FindActiveByToken(ctx context.Context, tok string) (Session, error)

	RecordCheckIn(ctx context.Context, sessionID string, admit AdmitFunc) (CheckIn, error)
	ListCheckIns(ctx context.Context, sessionID string) ([]CheckIn, error)
	StreamCheckIns(ctx context.Context, sessionID string, fn func(CheckIn) error) error
	CountCheckIns(ctx context.Context, sessionID string) (int, error)

	Close() error
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
