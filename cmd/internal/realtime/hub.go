package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"attend/cmd/internal/attendance"
	v1 "attend/contracts/realtime/v1"

	"github.com/google/uuid"
)

// Observer receives hub activity. Used for metrics.
type Observer interface {
	SubscriberJoined()
	SubscriberLeft()
	BroadcastDelivered(n int)
	BroadcastDropped(n int)
}

// Hub maps session ids to their live subscriber rooms.
// Rooms are created on first join and removed when the last subscriber leaves.
// State is transient: after a restart dashboards reconnect and re-subscribe.
type Hub struct {
	log      *slog.Logger
	observer Observer
	baseURL  string

	mu    sync.RWMutex
	rooms map[string]*Room
}

// HubOption configures a Hub.
type HubOption func(*Hub)

func WithHubObserver(o Observer) HubOption {
	return func(h *Hub) {
		if o != nil {
			h.observer = o
		}
	}
}

// WithCheckInBaseURL sets the origin used to render links in session.rotated events.
func WithCheckInBaseURL(u string) HubOption {
	return func(h *Hub) { h.baseURL = strings.TrimRight(strings.TrimSpace(u), "/") }
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:      log,
		observer: nopObserver{},
		rooms:    make(map[string]*Room),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Join subscribes client to sessionID. Joining twice is a no-op.
func (h *Hub) Join(sessionID string, client *Client) {
	if h == nil || client == nil || client.ID == "" || sessionID == "" {
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	if !ok {
		r = newRoom(sessionID)
		h.rooms[sessionID] = r
	}
	added := r.join(client)
	h.mu.Unlock()

	if added {
		h.observer.SubscriberJoined()
		h.log.Info("hub.member.join", "session_id", sessionID, "client_id", client.ID)
	}
}

// Leave unsubscribes clientID from sessionID and drops the room when it becomes empty.
// It does not close the client: a connection may stay subscribed to other sessions.
func (h *Hub) Leave(sessionID, clientID string) {
	if h == nil || sessionID == "" || clientID == "" {
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	removed, remaining := r.leave(clientID)
	if remaining == 0 {
		delete(h.rooms, sessionID)
	}
	h.mu.Unlock()

	if removed {
		h.observer.SubscriberLeft()
		h.log.Info("hub.member.leave", "session_id", sessionID, "client_id", clientID)
	}
}

// Subscribers returns the number of clients subscribed to sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	r, ok := h.rooms[sessionID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	return r.size()
}

// Rooms returns the number of sessions with at least one subscriber.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Broadcast delivers env to the subscribers of sessionID without blocking.
func (h *Hub) Broadcast(sessionID string, env v1.Envelope) {
	h.mu.RLock()
	r, ok := h.rooms[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	delivered, dropped := r.broadcast(env)
	h.observer.BroadcastDelivered(delivered)
	if dropped > 0 {
		h.observer.BroadcastDropped(dropped)
		h.log.Warn("hub.broadcast.drop", "session_id", sessionID, "type", env.Type, "dropped", dropped)
	}
}

// Publish implements attendance.EventPublisher.
func (h *Hub) Publish(_ context.Context, ev attendance.Event) {
	env, ok := h.Envelope(ev)
	if !ok {
		h.log.Debug("hub.publish.skip", "session_id", ev.SessionID, "type", ev.Type)
		return
	}
	h.Broadcast(ev.SessionID, env)
}

// Envelope renders a domain event into its wire form.
func (h *Hub) Envelope(ev attendance.Event) (v1.Envelope, bool) {
	var (
		typ     string
		payload any
	)
	switch ev.Type {
	case attendance.EventCheckIn:
		if ev.CheckIn == nil {
			return v1.Envelope{}, false
		}
		ci := ev.CheckIn
		p := v1.CheckInPayload{
			SessionID:   ci.SessionID,
			CheckInID:   ci.ID,
			Name:        ci.Name,
			Location:    ci.Location,
			Source:      string(ci.Source),
			CheckedInAt: ci.CheckedInAt,
		}
		if ci.Email != nil {
			p.Email = *ci.Email
		}
		typ, payload = v1.TypeCheckIn, p

	case attendance.EventTokenRotated:
		if ev.Session == nil {
			return v1.Envelope{}, false
		}
		typ, payload = v1.TypeSessionRotated, v1.SessionRotatedPayload{
			SessionID:  ev.SessionID,
			CheckInURL: ev.Session.CheckInURL(h.baseURL),
			RotatedAt:  ev.At,
		}

	case attendance.EventSessionClosed:
		typ, payload = v1.TypeSessionClosed, v1.SessionClosedPayload{
			SessionID: ev.SessionID,
			ClosedAt:  ev.At,
		}

	default:
		return v1.Envelope{}, false
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, false
	}
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	env := newEnvelope(typ, b, ts)
	env.SessionID = ev.SessionID
	return env, true
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      ts,
		Payload: payload,
	}
}

type nopObserver struct{}

func (nopObserver) SubscriberJoined()      {}
func (nopObserver) SubscriberLeft()        {}
func (nopObserver) BroadcastDelivered(int) {}
func (nopObserver) BroadcastDropped(int)   {}
