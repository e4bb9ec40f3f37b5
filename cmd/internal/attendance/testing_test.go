package attendance

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) Types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type countingObserver struct {
	mu       sync.Mutex
	created  int
	rotated  int
	closed   int
	accepted map[Source]int
	rejected map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{accepted: map[Source]int{}, rejected: map[string]int{}}
}

func (o *countingObserver) SessionCreated() { o.mu.Lock(); o.created++; o.mu.Unlock() }
func (o *countingObserver) SessionRotated() { o.mu.Lock(); o.rotated++; o.mu.Unlock() }
func (o *countingObserver) SessionClosed()  { o.mu.Lock(); o.closed++; o.mu.Unlock() }

func (o *countingObserver) CheckInAccepted(s Source) {
	o.mu.Lock()
	o.accepted[s]++
	o.mu.Unlock()
}

func (o *countingObserver) CheckInRejected(code string) {
	o.mu.Lock()
	o.rejected[code]++
	o.mu.Unlock()
}

// spyStore records store traffic. Admissions are logged from inside the admit
// callback, so they appear in the order the store serialized them.
type spyStore struct {
	Store

	getCalls atomic.Int32

	mu         sync.Mutex
	admissions []admission
}

type admission struct {
	token string
	err   error
}

func newSpyStore(inner Store) *spyStore { return &spyStore{Store: inner} }

func (s *spyStore) GetSession(ctx context.Context, id string) (Session, error) {
	s.getCalls.Add(1)
	return s.Store.GetSession(ctx, id)
}

func (s *spyStore) RecordCheckIn(ctx context.Context, sessionID string, admit AdmitFunc) (CheckIn, error) {
	return s.Store.RecordCheckIn(ctx, sessionID, func(sess *Session) (CheckIn, error) {
		ci, err := admit(sess)
		a := admission{err: err}
		if sess != nil {
			a.token = sess.CurrentToken
		}
		s.mu.Lock()
		s.admissions = append(s.admissions, a)
		s.mu.Unlock()
		return ci, err
	})
}

func (s *spyStore) Admissions() []admission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]admission(nil), s.admissions...)
}

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	store Store
	clock *testClock
	pub   *recordingPublisher
	obs   *countingObserver
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	return newFixtureWithStore(t, NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, store Store) fixture {
	t.Helper()

	f := fixture{
		store: store,
		clock: newTestClock(testStart),
		pub:   &recordingPublisher{},
		obs:   newCountingObserver(),
	}
	svc, err := NewService(store,
		WithClock(f.clock.Now),
		WithPublisher(f.pub),
		WithObserver(f.obs),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBaseURL("https://attend.example.com/"),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	return f
}

func (f fixture) mustCreate(t *testing.T, name string) Session {
	t.Helper()

	s, err := f.svc.CreateSession(t.Context(), CreateSessionInput{
		Name:      name,
		Location:  "HQ",
		StartsAt:  testStart,
		ExpiresAt: testStart.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func mustReason(t *testing.T, err error, want Reason) {
	t.Helper()

	got, ok := IsRejection(err)
	if !ok || got != want {
		t.Fatalf("got %v want rejection %s", err, want)
	}
}
