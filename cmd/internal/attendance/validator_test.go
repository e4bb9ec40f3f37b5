package attendance

import (
	"errors"
	"testing"
	"time"
)

func TestValidate_RuleOrder(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)
	active := Session{
		ID:           "s1",
		Status:       StatusActive,
		CurrentToken: "tok-current",
		StartsAt:     start,
		ExpiresAt:    end,
	}
	closed := active
	closed.Status = StatusClosed

	cases := []struct {
		name string
		sess *Session
		tok  string
		now  time.Time
		want Reason
	}{
		{name: "missing", sess: nil, tok: "tok-current", now: start, want: ReasonSessionNotFound},
		{name: "closed beats expired and bad token", sess: &closed, tok: "nope", now: end.Add(time.Hour), want: ReasonSessionClosed},
		{name: "expired beats bad token", sess: &active, tok: "nope", now: end.Add(time.Second), want: ReasonSessionExpired},
		{name: "not started", sess: &active, tok: "tok-current", now: start.Add(-time.Second), want: ReasonSessionExpired},
		{name: "bad token", sess: &active, tok: "tok-stale", now: start, want: ReasonTokenInvalid},
		{name: "empty token", sess: &active, tok: "", now: start, want: ReasonTokenInvalid},
		{name: "ok at start", sess: &active, tok: "tok-current", now: start},
		{name: "ok at expiry", sess: &active, tok: "tok-current", now: end},
	}

	for _, tc := range cases {
		err := Validate(tc.sess, "s1", tc.tok, tc.now)
		if tc.want == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tc.name, err)
			}
			continue
		}
		reason, ok := IsRejection(err)
		if !ok || reason != tc.want {
			t.Fatalf("%s: got %v want %s", tc.name, err, tc.want)
		}
	}
}

func TestRejection_UnwrapsToSentinel(t *testing.T) {
	t.Parallel()

	cases := map[Reason]error{
		ReasonSessionNotFound: ErrNotFound,
		ReasonSessionClosed:   ErrSessionClosed,
		ReasonSessionExpired:  ErrSessionExpired,
		ReasonTokenInvalid:    ErrTokenInvalid,
	}
	for reason, sentinel := range cases {
		err := reject(reason, "s1")
		if !errors.Is(err, sentinel) {
			t.Fatalf("%s does not unwrap to %v", reason, sentinel)
		}
		if got := Code(err); got != string(reason) {
			t.Fatalf("Code(%s)=%q", reason, got)
		}
	}
}

func TestCode_Taxonomy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: invalid("op", FieldError{Field: "name", Rule: "required"}), want: "VALIDATION"},
		{err: notFound("op", "x"), want: "NOT_FOUND"},
		{err: OpError{Op: "op", Kind: ErrSessionClosed}, want: "SESSION_CLOSED"},
		{err: storageErr("op", errors.New("conn reset")), want: "STORAGE_FAILURE"},
		{err: errors.New("boom"), want: "INTERNAL"},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Fatalf("Code(%v)=%q want %q", tc.err, got, tc.want)
		}
	}
}

func TestStorageError_KeepsDriverError(t *testing.T) {
	t.Parallel()

	driver := errors.New("driver: bad connection")
	err := storageErr("op", driver)
	if !errors.Is(err, ErrStorage) || !errors.Is(err, driver) {
		t.Fatalf("storage error lost a kind: %v", err)
	}
}

func TestValidator_RejectsMalformedAttendee(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}

	cases := []struct {
		name  string
		in    Attendee
		field string
	}{
		{name: "blank name", in: Attendee{Name: "   "}, field: "name"},
		{name: "bad email", in: Attendee{Name: "Jane", Email: "not-an-email"}, field: "email"},
		{name: "unknown site", in: Attendee{Name: "Jane", Location: "MARS"}, field: "location"},
	}
	for _, tc := range cases {
		_, err := v.CheckIn(t.Context(), CheckInRequest{SessionID: "s1", Token: "x", Attendee: tc.in})
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: want ValidationError, got %v", tc.name, err)
		}
		if len(ve.Fields) == 0 || ve.Fields[0].Field != tc.field {
			t.Fatalf("%s: fields=%+v want %s", tc.name, ve.Fields, tc.field)
		}
	}
}
