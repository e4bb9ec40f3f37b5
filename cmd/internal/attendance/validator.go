package attendance

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"attend/cmd/internal/ids"
	"attend/cmd/security/token"

	"github.com/go-playground/validator/v10"
)

// Validate applies the check-in rules to a session snapshot, in order; the first failure wins:
//  1. the session exists            -> SESSION_NOT_FOUND
//  2. status is ACTIVE              -> SESSION_CLOSED
//  3. now is within the time window -> SESSION_EXPIRED
//  4. tok matches the current token -> TOKEN_INVALID
func Validate(s *Session, sessionID, tok string, now time.Time) error {
	if s == nil {
		return reject(ReasonSessionNotFound, sessionID)
	}
	if s.Status != StatusActive {
		return reject(ReasonSessionClosed, s.ID)
	}
	if !s.WithinWindow(now) {
		return reject(ReasonSessionExpired, s.ID)
	}
	if !token.Equal(tok, s.CurrentToken) {
		return reject(ReasonTokenInvalid, s.ID)
	}
	return nil
}

// CheckInRequest is one admission attempt.
type CheckInRequest struct {
	SessionID string
	Token     string
	Attendee  Attendee
	Now       time.Time

	Source     Source
	RecordedBy *string

	// UseCurrentToken makes the admission use whatever token is current under the
	// session lock (operator manual entry). Rules 1-3 still apply.
	UseCurrentToken bool
}

// Validator authorizes check-ins against the store and records them.
// The rule check and the insert happen under one per-session lock.
type Validator struct {
	store    Store
	sites    *SiteCatalog
	validate *validator.Validate
}

// NewValidator constructs a Validator. sites may be nil for the default catalog.
func NewValidator(store Store, sites *SiteCatalog) (*Validator, error) {
	if store == nil {
		return nil, errors.New("attendance: nil store")
	}
	if sites == nil {
		sites = MustDefaultCatalog()
	}
	return &Validator{store: store, sites: sites, validate: newStructValidator()}, nil
}

// CheckIn validates the attendee, then admits and records the check-in atomically.
// Rule failures come back as *Rejection, malformed input as *ValidationError.
func (v *Validator) CheckIn(ctx context.Context, in CheckInRequest) (CheckIn, error) {
	const op = "attendance.CheckIn"

	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return CheckIn{}, reject(ReasonSessionNotFound, "")
	}

	att := in.Attendee.normalized()
	if err := v.structErr(op, att); err != nil {
		return CheckIn{}, err
	}
	if att.Location != "" {
		if _, ok := v.sites.Lookup(att.Location); !ok {
			return CheckIn{}, invalid(op, FieldError{Field: "location", Rule: "site"})
		}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	source := in.Source
	if source == "" {
		source = SourceQR
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return CheckIn{}, err
	}

	return v.store.RecordCheckIn(ctx, sessionID, func(s *Session) (CheckIn, error) {
		tok := in.Token
		if in.UseCurrentToken && s != nil {
			tok = s.CurrentToken
		}
		if err := Validate(s, sessionID, tok, now); err != nil {
			return CheckIn{}, err
		}

		location := att.Location
		if location == "" {
			location = s.Location
		}
		return CheckIn{
			ID:          id,
			SessionID:   s.ID,
			Name:        att.Name,
			Email:       strPtr(att.Email),
			Location:    location,
			CheckedInAt: now,
			UserID:      strPtr(att.UserID),
			Source:      source,
			RecordedBy:  in.RecordedBy,
		}, nil
	})
}

func (v *Validator) structErr(op string, in any) error {
	return structErr(v.validate, op, in)
}

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return strings.ToLower(f.Name)
		}
		return name
	})
	return v
}

func structErr(v *validator.Validate, op string, in any) error {
	err := v.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalid(op, FieldError{Field: "input", Rule: "invalid"})
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	return invalid(op, fields...)
}
