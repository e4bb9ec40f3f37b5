package attendance

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"attend/cmd/internal/ids"
	"attend/cmd/security/token"

	"github.com/go-playground/validator/v10"
)

// EventPublisher receives state-change events after they are committed.
// Publish must not block on slow subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}

// Observer is notified of service outcomes. Used for metrics.
type Observer interface {
	SessionCreated()
	SessionRotated()
	SessionClosed()
	CheckInAccepted(source Source)
	CheckInRejected(code string)
}

// TokenSource issues check-in tokens.
type TokenSource interface {
	Generate() (string, error)
	GenerateDistinct(prev string) (string, error)
}

// CreateSessionInput describes a new session.
type CreateSessionInput struct {
	Name      string    `json:"name" validate:"required,max=200"`
	Location  string    `json:"location" validate:"required,max=64"`
	StartsAt  time.Time `json:"startsAt"`
	ExpiresAt time.Time `json:"expiresAt" validate:"required"`
	Notes     string    `json:"notes" validate:"max=4000"`

	CreatedBy string `json:"-"`
}

// ListSessionsInput narrows ListSessions.
type ListSessionsInput struct {
	Status string
	Usable bool
	Limit  int
}

// CheckInLink is the public view rendered by the attendee check-in form.
type CheckInLink struct {
	SessionID string
	Name      string
	Location  string
	ExpiresAt time.Time
	Sites     []Site
}

// Service owns every session state transition and is the only writer of sessions.
type Service struct {
	store     Store
	validator *Validator
	tokens    TokenSource
	sites     *SiteCatalog

	publisher EventPublisher
	observer  Observer
	log       *slog.Logger
	now       func() time.Time
	baseURL   string

	validate *validator.Validate
}

// Option configures the Service.
type Option func(*Service) error

func WithPublisher(p EventPublisher) Option {
	return func(s *Service) error {
		s.publisher = p
		return nil
	}
}

func WithObserver(o Observer) Option {
	return func(s *Service) error {
		s.observer = o
		return nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithClock overrides time.Now. Tests use it to move across the session window.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return errors.New("attendance: nil clock")
		}
		s.now = now
		return nil
	}
}

func WithTokenSource(t TokenSource) Option {
	return func(s *Service) error {
		if t == nil {
			return errors.New("attendance: nil token source")
		}
		s.tokens = t
		return nil
	}
}

func WithSites(c *SiteCatalog) Option {
	return func(s *Service) error {
		if c == nil {
			return errors.New("attendance: nil site catalog")
		}
		s.sites = c
		return nil
	}
}

// WithBaseURL sets the public origin used to render check-in links.
func WithBaseURL(u string) Option {
	return func(s *Service) error {
		s.baseURL = strings.TrimRight(strings.TrimSpace(u), "/")
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("attendance: nil store")
	}
	gen, err := token.NewGenerator(token.DefaultBytes)
	if err != nil {
		return nil, err
	}

	s := &Service{
		store:     store,
		tokens:    gen,
		sites:     MustDefaultCatalog(),
		publisher: nopPublisher{},
		observer:  nopObserver{},
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		validate:  newStructValidator(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.publisher == nil {
		s.publisher = nopPublisher{}
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}

	s.validator, err = NewValidator(store, s.sites)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Sites returns the site catalog used for validation. Operator forms list it.
func (s *Service) Sites() *SiteCatalog { return s.sites }

// CheckInURL renders the link encoded into the session's QR code.
func (s *Service) CheckInURL(sess Session) string { return sess.CheckInURL(s.baseURL) }

// CreateSession validates input, issues the first token and persists an ACTIVE session.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (Session, error) {
	const op = "attendance.CreateSession"

	now := s.now()
	in.Name = strings.Join(strings.Fields(in.Name), " ")
	in.Location = strings.ToUpper(strings.TrimSpace(in.Location))
	in.Notes = strings.TrimSpace(in.Notes)
	if in.StartsAt.IsZero() {
		in.StartsAt = now
	}

	if err := structErr(s.validate, op, in); err != nil {
		return Session{}, err
	}
	if !in.ExpiresAt.After(in.StartsAt) {
		return Session{}, invalid(op, FieldError{Field: "expiresAt", Rule: "gtfield"})
	}
	if _, ok := s.sites.Lookup(in.Location); !ok {
		return Session{}, invalid(op, FieldError{Field: "location", Rule: "site"})
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Session{}, err
	}

	sess := Session{
		ID:             id,
		Name:           in.Name,
		Location:       in.Location,
		Status:         StatusActive,
		TokenRotatedAt: now,
		StartsAt:       in.StartsAt.UTC(),
		ExpiresAt:      in.ExpiresAt.UTC(),
		Notes:          in.Notes,
		CreatedBy:      strPtr(strings.TrimSpace(in.CreatedBy)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// A token collision is astronomically unlikely; one retry covers it.
	for attempt := 0; ; attempt++ {
		sess.CurrentToken, err = s.tokens.Generate()
		if err != nil {
			return Session{}, err
		}
		out, err := s.store.CreateSession(ctx, sess)
		if errors.Is(err, ErrTokenConflict) && attempt == 0 {
			continue
		}
		if err != nil {
			return Session{}, err
		}

		s.observer.SessionCreated()
		s.log.Info("session.created",
			"session_id", out.ID,
			"location", out.Location,
			"starts_at", out.StartsAt,
			"expires_at", out.ExpiresAt,
		)
		return out, nil
	}
}

// GetSession returns a session by id. Ids that are not ULIDs are never looked up.
func (s *Service) GetSession(ctx context.Context, id string) (Session, error) {
	id = strings.TrimSpace(id)
	if !ids.Valid(id) {
		return Session{}, notFound("attendance.GetSession", id)
	}
	return s.store.GetSession(ctx, id)
}

// ListSessions returns sessions newest first. Usable applies the lazy time window.
func (s *Service) ListSessions(ctx context.Context, in ListSessionsInput) ([]Session, error) {
	const op = "attendance.ListSessions"

	var f ListSessionsFilter
	if raw := strings.ToUpper(strings.TrimSpace(in.Status)); raw != "" {
		st := Status(raw)
		if !st.Valid() {
			return nil, invalid(op, FieldError{Field: "status", Rule: "oneof"})
		}
		f.Status = &st
	}
	if in.Usable {
		f.UsableAt = s.now()
	}
	f.Limit = in.Limit
	return s.store.ListSessions(ctx, f)
}

// UpdateNotes replaces the operator notes. Allowed on closed sessions.
func (s *Service) UpdateNotes(ctx context.Context, id, notes string) (Session, error) {
	const op = "attendance.UpdateNotes"

	notes = strings.TrimSpace(notes)
	if len(notes) > 4000 {
		return Session{}, invalid(op, FieldError{Field: "notes", Rule: "max"})
	}
	return s.store.UpdateNotes(ctx, strings.TrimSpace(id), notes, s.now())
}

// RotateToken replaces the session token. The previous token stops working immediately.
func (s *Service) RotateToken(ctx context.Context, id string) (Session, error) {
	cur, err := s.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}

	var out Session
	for attempt := 0; ; attempt++ {
		next, err := s.tokens.GenerateDistinct(cur.CurrentToken)
		if err != nil {
			return Session{}, err
		}
		out, err = s.store.RotateToken(ctx, cur.ID, next, s.now())
		if errors.Is(err, ErrTokenConflict) && attempt == 0 {
			continue
		}
		if err != nil {
			return Session{}, err
		}
		break
	}

	s.observer.SessionRotated()
	s.log.Info("session.rotated", "session_id", out.ID)
	snap := out
	s.publish(ctx, Event{Type: EventTokenRotated, SessionID: out.ID, At: out.TokenRotatedAt, Session: &snap})
	return out, nil
}

// CloseSession moves the session to CLOSED. Closing a closed session is a no-op.
func (s *Service) CloseSession(ctx context.Context, id string) (Session, error) {
	out, changed, err := s.store.CloseSession(ctx, strings.TrimSpace(id), s.now())
	if err != nil {
		return Session{}, err
	}
	if !changed {
		s.log.Debug("session.close.noop", "session_id", out.ID)
		return out, nil
	}

	s.observer.SessionClosed()
	s.log.Info("session.closed", "session_id", out.ID)
	snap := out
	s.publish(ctx, Event{Type: EventSessionClosed, SessionID: out.ID, At: *out.ClosedAt, Session: &snap})
	return out, nil
}

// CheckIn is the public path: the attendee presents the token from the link.
func (s *Service) CheckIn(ctx context.Context, id, tok string, a Attendee) (CheckIn, error) {
	return s.checkIn(ctx, CheckInRequest{
		SessionID: id,
		Token:     tok,
		Attendee:  a,
		Now:       s.now(),
		Source:    SourceQR,
	})
}

// ManualCheckIn records an operator-entered attendee using the session's current token,
// through the same validation as the public path.
func (s *Service) ManualCheckIn(ctx context.Context, id string, a Attendee, recordedBy string) (CheckIn, error) {
	return s.checkIn(ctx, CheckInRequest{
		SessionID:       id,
		Attendee:        a,
		Now:             s.now(),
		Source:          SourceManual,
		RecordedBy:      strPtr(strings.TrimSpace(recordedBy)),
		UseCurrentToken: true,
	})
}

func (s *Service) checkIn(ctx context.Context, req CheckInRequest) (CheckIn, error) {
	ci, err := s.validator.CheckIn(ctx, req)
	if err != nil {
		code := Code(err)
		s.observer.CheckInRejected(code)
		if _, ok := IsRejection(err); ok {
			s.log.Info("checkin.rejected", "session_id", req.SessionID, "reason", code, "source", req.Source)
		} else if errors.Is(err, ErrStorage) {
			s.log.Error("checkin.failed", "session_id", req.SessionID, "err", err)
		}
		return CheckIn{}, err
	}

	s.observer.CheckInAccepted(ci.Source)
	s.log.Info("checkin.accepted", "session_id", ci.SessionID, "checkin_id", ci.ID, "source", ci.Source)
	snap := ci
	s.publish(ctx, Event{Type: EventCheckIn, SessionID: ci.SessionID, At: ci.CheckedInAt, CheckIn: &snap})
	return ci, nil
}

// ListCheckIns returns the session's check-ins in chronological order.
func (s *Service) ListCheckIns(ctx context.Context, id string) ([]CheckIn, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.store.ListCheckIns(ctx, sess.ID)
}

// CountCheckIns returns the number of check-ins recorded for a session.
func (s *Service) CountCheckIns(ctx context.Context, id string) (int, error) {
	return s.store.CountCheckIns(ctx, strings.TrimSpace(id))
}

// ResolveCheckInLink checks a link before the attendee fills in the form.
// Failures carry the same reasons a check-in attempt would.
func (s *Service) ResolveCheckInLink(ctx context.Context, id, tok string) (CheckInLink, error) {
	id = strings.TrimSpace(id)
	now := s.now()

	sess, err := s.store.FindActiveByToken(ctx, tok)
	if err == nil && sess.ID == id && sess.WithinWindow(now) {
		return CheckInLink{
			SessionID: sess.ID,
			Name:      sess.Name,
			Location:  sess.Location,
			ExpiresAt: sess.ExpiresAt,
			Sites:     s.sites.All(),
		}, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return CheckInLink{}, err
	}

	// Work out the precise reason from the session the link names.
	cur, err := s.store.GetSession(ctx, id)
	var snap *Session
	switch {
	case err == nil:
		snap = &cur
	case errors.Is(err, ErrNotFound):
	default:
		return CheckInLink{}, err
	}
	if rerr := Validate(snap, id, tok, now); rerr != nil {
		return CheckInLink{}, rerr
	}
	return CheckInLink{}, reject(ReasonTokenInvalid, id)
}

func (s *Service) publish(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("broadcast.publish.panic", "session_id", ev.SessionID, "type", ev.Type, "panic", r)
		}
	}()
	s.publisher.Publish(context.WithoutCancel(ctx), ev)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

type nopObserver struct{}

func (nopObserver) SessionCreated()        {}
func (nopObserver) SessionRotated()        {}
func (nopObserver) SessionClosed()         {}
func (nopObserver) CheckInAccepted(Source) {}
func (nopObserver) CheckInRejected(string) {}
