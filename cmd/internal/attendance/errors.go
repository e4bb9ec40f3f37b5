package attendance

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel kinds. Every error returned by this package matches exactly one of them via errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrSessionClosed  = errors.New("session closed")
	ErrSessionExpired = errors.New("session expired")
	ErrTokenInvalid   = errors.New("token invalid")
	ErrStorage        = errors.New("storage failure")

	// ErrTokenConflict reports a current_token uniqueness violation on insert or rotation.
	ErrTokenConflict = errors.New("token conflict")
)

// Reason is a check-in rejection reason (wire-stable).
type Reason string

const (
	ReasonSessionNotFound Reason = "SESSION_NOT_FOUND"
	ReasonSessionClosed   Reason = "SESSION_CLOSED"
	ReasonSessionExpired  Reason = "SESSION_EXPIRED"
	ReasonTokenInvalid    Reason = "TOKEN_INVALID"
)

// Rejection is the typed result of a failed validator pass.
type Rejection struct {
	Reason    Reason
	SessionID string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("check-in rejected: %s (session %s)", r.Reason, r.SessionID)
}

func (r *Rejection) Unwrap() error {
	switch r.Reason {
	case ReasonSessionNotFound:
		return ErrNotFound
	case ReasonSessionClosed:
		return ErrSessionClosed
	case ReasonSessionExpired:
		return ErrSessionExpired
	default:
		return ErrTokenInvalid
	}
}

func reject(reason Reason, sessionID string) error {
	return &Rejection{Reason: reason, SessionID: sessionID}
}

// FieldError names one invalid input field and the rule it broke.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError reports malformed input. It unwraps to ErrValidation.
type ValidationError struct {
	Op     string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %v", e.Op, ErrValidation)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+"="+f.Rule)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrValidation, strings.Join(parts, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(op string, fields ...FieldError) error {
	return &ValidationError{Op: op, Fields: fields}
}

// OpError is a typed operation error with a stable Op + Kind contract.
// Kind is one of the sentinels above.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func notFound(op, id string) error {
	return OpError{Op: op, Kind: ErrNotFound, Msg: "session " + id}
}

// StorageError wraps a persistence failure. It matches both ErrStorage and the
// driver error, so callers can still detect context cancellation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("%s: %v: %v", e.Op, ErrStorage, e.Err) }

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Code maps err onto the error taxonomy used at the transport boundary.
func Code(err error) string {
	var rej *Rejection
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rej):
		return string(rej.Reason)
	case errors.Is(err, ErrValidation):
		return "VALIDATION"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrSessionClosed):
		return string(ReasonSessionClosed)
	case errors.Is(err, ErrSessionExpired):
		return string(ReasonSessionExpired)
	case errors.Is(err, ErrTokenInvalid):
		return string(ReasonTokenInvalid)
	case errors.Is(err, ErrStorage):
		return "STORAGE_FAILURE"
	default:
		return "INTERNAL"
	}
}

// IsRejection reports whether err is a validator rejection and returns its reason.
func IsRejection(err error) (Reason, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
