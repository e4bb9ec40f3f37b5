package realtime

import (
	"sync"
	"sync/atomic"

	v1 "attend/contracts/realtime/v1"
)

const defaultClientQueue = 64

// Client is one dashboard connection. Its queue is bounded and never closed by
// senders; Done signals shutdown instead.
type Client struct {
	ID      string
	Subject string
	Send    chan v1.Envelope

	dropped   atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(id, subject string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultClientQueue
	}
	return &Client{
		ID:      id,
		Subject: subject,
		Send:    make(chan v1.Envelope, sendQueueSize),
		done:    make(chan struct{}),
	}
}

// Offer queues env without blocking. It returns false when the client is
// closing or its queue is full; the latter counts as a drop.
func (c *Client) Offer(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Dropped is the number of envelopes lost to a full queue.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Done is closed once Close has been called. A nil client reports done.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close is idempotent.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
