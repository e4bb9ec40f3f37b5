package realtime

import (
	"sync"

	v1 "attend/contracts/realtime/v1"
)

// Room is the subscriber set of one attendance session.
//
// Concurrency guarantees:
// - join/leave are safe under concurrent broadcast.
// - broadcast never blocks (drops under backpressure).
// - broadcast is panic-safe because Client.Send is never closed.
type Room struct {
	SessionID string

	mu      sync.RWMutex
	members map[string]*Client
}

func newRoom(sessionID string) *Room {
	return &Room{
		SessionID: sessionID,
		members:   make(map[string]*Client),
	}
}

// join adds a client. It reports false when the client was already a member.
func (r *Room) join(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[c.ID]; ok {
		r.members[c.ID] = c
		return false
	}
	r.members[c.ID] = c
	return true
}

// leave removes a client and returns whether it was present plus the remaining size.
func (r *Room) leave(clientID string) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.members[clientID]
	delete(r.members, clientID)
	return ok, len(r.members)
}

func (r *Room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// broadcast fans env out to all members.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *Room) broadcast(env v1.Envelope) (delivered, dropped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil {
			continue
		}
		if m.Offer(env) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
