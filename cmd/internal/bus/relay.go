// Package bus relays attendance events between service replicas over NATS,
// so a dashboard connected to one replica sees check-ins accepted by another.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"attend/cmd/internal/attendance"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject root; events go to <prefix>.<session id>.
const DefaultSubjectPrefix = "attend.events"

// Relay is an attendance.EventPublisher that delivers locally first, then
// forwards the event to other replicas. Events received from peers are
// delivered to the local publisher only.
//
// Core NATS (not JetStream) is used: hub state is transient, so a replica that
// misses an event while disconnected has nothing to replay it to.
type Relay struct {
	conn   *nats.Conn
	local  attendance.EventPublisher
	log    *slog.Logger
	prefix string
	origin string

	mu     sync.Mutex
	sub    *nats.Subscription
	closed bool
}

type wireEvent struct {
	Origin string           `json:"origin"`
	Event  attendance.Event `json:"event"`
}

// Option configures a Relay.
type Option func(*Relay)

func WithSubjectPrefix(p string) Option {
	return func(r *Relay) {
		if p = strings.Trim(strings.TrimSpace(p), "."); p != "" {
			r.prefix = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.log = l
		}
	}
}

// Connect dials NATS and wraps local.
func Connect(url string, local attendance.EventPublisher, opts ...Option) (*Relay, error) {
	if local == nil {
		return nil, errors.New("bus: nil local publisher")
	}
	r := &Relay{
		local:  local,
		log:    slog.Default(),
		prefix: DefaultSubjectPrefix,
		origin: uuid.NewString(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	nc, err := nats.Connect(url,
		nats.Name("attend-"+r.origin[:8]),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			r.log.Warn("bus.disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			r.log.Info("bus.reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	r.conn = nc
	return r, nil
}

// Start subscribes to peer events. It returns once the subscription is registered;
// the subscription is drained when ctx is done or Close is called.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("bus: relay closed")
	}
	if r.sub != nil {
		return nil
	}

	sub, err := r.conn.Subscribe(r.prefix+".>", func(msg *nats.Msg) {
		var w wireEvent
		if err := json.Unmarshal(msg.Data, &w); err != nil {
			r.log.Warn("bus.decode.fail", "subject", msg.Subject, "err", err)
			return
		}
		if w.Origin == r.origin {
			return
		}
		r.local.Publish(ctx, w.Event)
	})
	if err != nil {
		return err
	}
	if err := r.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	r.sub = sub

	go func() {
		<-ctx.Done()
		_ = r.Close()
	}()

	r.log.Info("bus.relay.started", "subject", r.prefix+".>", "origin", r.origin)
	return nil
}

// Publish implements attendance.EventPublisher.
func (r *Relay) Publish(ctx context.Context, ev attendance.Event) {
	r.local.Publish(ctx, ev)

	data, err := json.Marshal(wireEvent{Origin: r.origin, Event: ev})
	if err != nil {
		r.log.Warn("bus.encode.fail", "session_id", ev.SessionID, "err", err)
		return
	}
	if err := r.conn.Publish(r.Subject(ev.SessionID), data); err != nil {
		r.log.Warn("bus.publish.fail", "session_id", ev.SessionID, "type", ev.Type, "err", err)
	}
}

// Subject returns the subject used for sessionID.
func (r *Relay) Subject(sessionID string) string {
	return r.prefix + "." + sessionID
}

// Close drains the subscription and the connection. Safe to call more than once.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.conn.Drain(); err != nil {
		r.conn.Close()
		return err
	}
	return nil
}
