package realtime

import "sync"

// subscriptions is the set of sessions one connection has joined. Hub membership
// changes happen under its lock, and once closed it refuses new joins, so a join
// racing a disconnect cannot leave a dead client in a room.
type subscriptions struct {
	hub    *Hub
	client *Client

	mu     sync.Mutex
	closed bool
	set    map[string]struct{}
}

func newSubscriptions(hub *Hub, client *Client) *subscriptions {
	return &subscriptions{hub: hub, client: client, set: make(map[string]struct{})}
}

func (s *subscriptions) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}

// add joins the hub room for sessionID. It reports false after closeAll.
func (s *subscriptions) add(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.set[sessionID] = struct{}{}
	s.hub.Join(sessionID, s.client)
	return true
}

func (s *subscriptions) remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.set, sessionID)
	s.hub.Leave(sessionID, s.client.ID)
}

// closeAll leaves every joined room and seals the set. It is idempotent.
func (s *subscriptions) closeAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	n := len(s.set)
	for sid := range s.set {
		s.hub.Leave(sid, s.client.ID)
	}
	clear(s.set)
	return n
}
