package realtime

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"attend/cmd/internal/attendance"
	v1 "attend/contracts/realtime/v1"
)

func newTestHub(opts ...HubOption) *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestHub_PublishReachesOnlySubscribedSession(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	a := NewClient("c-a", "", 8)
	b := NewClient("c-b", "", 8)
	h.Join("s-a", a)
	h.Join("s-b", b)

	email := "jane@example.com"
	h.Publish(t.Context(), attendance.Event{
		Type:      attendance.EventCheckIn,
		SessionID: "s-a",
		At:        time.Now().UTC(),
		CheckIn:   &attendance.CheckIn{ID: "ci-1", SessionID: "s-a", Name: "Jane Doe", Email: &email, Location: "HQ", Source: attendance.SourceQR},
	})

	select {
	case env := <-a.Send:
		if env.Type != v1.TypeCheckIn || env.SessionID != "s-a" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
		var p v1.CheckInPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.CheckInID != "ci-1" || p.Email != email {
			t.Fatalf("payload=%+v", p)
		}
	default:
		t.Fatalf("subscriber did not receive event")
	}
	if n := len(a.Send); n != 0 {
		t.Fatalf("subscriber got %d extra envelopes, want exactly one", n)
	}

	select {
	case env := <-b.Send:
		t.Fatalf("other session received %+v", env)
	default:
	}
}

func TestHub_RoomLifecycle(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	c1 := NewClient("c1", "", 8)
	c2 := NewClient("c2", "", 8)

	h.Join("s", c1)
	h.Join("s", c1)
	h.Join("s", c2)
	if got := h.Subscribers("s"); got != 2 {
		t.Fatalf("subscribers=%d want 2", got)
	}

	h.Leave("s", c1.ID)
	h.Leave("s", c1.ID)
	if got := h.Subscribers("s"); got != 1 {
		t.Fatalf("subscribers=%d want 1", got)
	}

	h.Leave("s", c2.ID)
	if h.Rooms() != 0 {
		t.Fatalf("empty room not removed")
	}

	select {
	case <-c1.Done():
		t.Fatalf("Leave must not close the client")
	default:
	}
}

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	t.Parallel()

	var dropped atomic.Int64
	h := newTestHub(WithHubObserver(dropCounter{&dropped}))
	slow := NewClient("slow", "", 1)
	h.Join("s", slow)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			h.Publish(t.Context(), attendance.Event{Type: attendance.EventSessionClosed, SessionID: "s", At: time.Now()})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full queue")
	}
	if dropped.Load() != 99 {
		t.Fatalf("dropped=%d want 99", dropped.Load())
	}
	if slow.Dropped() != 99 {
		t.Fatalf("client dropped=%d want 99", slow.Dropped())
	}
}

func TestHub_ConcurrentJoinLeavePublish(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := NewClient(fmt.Sprintf("c-%d", i), "", 4)
			for j := 0; j < 50; j++ {
				h.Join("s", c)
				h.Publish(t.Context(), attendance.Event{Type: attendance.EventSessionClosed, SessionID: "s"})
				h.Leave("s", c.ID)
			}
		}(i)
	}
	wg.Wait()

	if h.Rooms() != 0 || h.Subscribers("s") != 0 {
		t.Fatalf("rooms=%d subscribers=%d", h.Rooms(), h.Subscribers("s"))
	}
}

func TestHub_EnvelopeForRotation(t *testing.T) {
	t.Parallel()

	h := newTestHub(WithCheckInBaseURL("https://attend.example.com/"))
	s := attendance.Session{ID: "s1", CurrentToken: "tok"}
	env, ok := h.Envelope(attendance.Event{Type: attendance.EventTokenRotated, SessionID: "s1", Session: &s, At: time.Now()})
	if !ok || env.Type != v1.TypeSessionRotated {
		t.Fatalf("env=%+v ok=%v", env, ok)
	}
	var p v1.SessionRotatedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.CheckInURL != "https://attend.example.com/checkin/s1?t=tok" {
		t.Fatalf("url=%q", p.CheckInURL)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("server envelope invalid: %v", err)
	}

	if _, ok := h.Envelope(attendance.Event{Type: attendance.EventCheckIn, SessionID: "s1"}); ok {
		t.Fatalf("check-in event without record rendered")
	}
}

type dropCounter struct{ n *atomic.Int64 }

func (dropCounter) SubscriberJoined()        {}
func (dropCounter) SubscriberLeft()          {}
func (dropCounter) BroadcastDelivered(int)   {}
func (d dropCounter) BroadcastDropped(n int) { d.n.Add(int64(n)) }
