package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"attend/cmd/internal/attendance"
	v1 "attend/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// SessionLookup resolves sessions for session_join. *attendance.Service satisfies it.
type SessionLookup interface {
	GetSession(ctx context.Context, id string) (attendance.Session, error)
	CountCheckIns(ctx context.Context, id string) (int, error)
}

// AuthFunc authorizes the upgrade request and returns the operator subject.
type AuthFunc func(r *http.Request) (subject string, err error)

// WSGateway is the WebSocket entrypoint for live attendance dashboards.
//
// It enforces operator auth, origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the Hub.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	sessions SessionLookup
	auth     AuthFunc
	cfg      Config

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	now func() time.Time
}

// NewWSGateway constructs a gateway. auth may be nil only in tests and local dev.
func NewWSGateway(log *slog.Logger, hub *Hub, sessions SessionLookup, auth AuthFunc, cfg Config) (*WSGateway, error) {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		return nil, errors.New("realtime: nil hub")
	}
	if sessions == nil {
		return nil, errors.New("realtime: nil session lookup")
	}

	cfg = cfg.normalized()
	return &WSGateway{
		log:      log,
		hub:      hub,
		sessions: sessions,
		auth:     auth,
		cfg:      cfg,

		// websocket.Accept enforces its own origin policy:
		// - same-host is ok
		// - cross-origin requires OriginPatterns (host patterns)
		// We derive these patterns from allowed origins so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and runs the subscription loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	subject := ""
	if g.auth != nil {
		s, err := g.auth(r)
		if err != nil {
			g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		subject = s
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(uuid.NewString(), subject, g.cfg.SendQueueSize)
	log := g.log.With("client_id", client.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	subs := newSubscriptions(g.hub, client)

	// lastSeen is the last inbound frame or answered ping. Dashboards mostly
	// listen, so pongs are what keep an idle connection alive.
	var lastSeen atomic.Int64
	touch := func() { lastSeen.Store(g.now().UnixNano()) }
	touch()

	// shutdown is idempotent. It does NOT close client.Send.
	// Membership removal happens before client.Close so broadcasters never see a dead member.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			subs.closeAll()
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	log.Info("ws.connect", "subject", subject, "remote", r.RemoteAddr)

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
				} else {
					failures = 0
					touch()
				}

				if idle := g.now().Sub(time.Unix(0, lastSeen.Load())); idle > g.cfg.ReadIdleTimeout {
					log.Info("ws.idle.timeout", "idle", idle)
					shutdown(websocket.StatusGoingAway, "idle timeout")
					return
				}
			}
		}
	}()

readLoop:
	for {
		// No per-read deadline: the heartbeat goroutine owns liveness.
		env, err := readEnvelope(ctx, conn)
		if err == nil || errors.As(err, new(badJSONError)) {
			touch()
		}

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "", "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if now := g.now(); !rl.Allow(now) {
			msg := fmt.Sprintf("too many events, retry in %s", rl.RetryAfter(now).Round(time.Millisecond))
			g.trySendError(ctx, client, "", "rate_limited", msg)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "", "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "", "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeSessionJoin:
			sid, code, err := g.onJoin(ctx, client, subs, env)
			if errors.Is(err, errConnClosing) {
				break readLoop
			}
			if err != nil {
				g.trySendError(ctx, client, sid, code, err.Error())
				continue readLoop
			}

		case v1.TypeSessionLeave:
			sid, err := g.onLeave(ctx, client, subs, env)
			if err != nil {
				g.trySendError(ctx, client, sid, "leave_failed", err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "", "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	log.Info("ws.disconnect", "dropped", client.Dropped())
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{ConnectionID: client.ID, Subject: client.Subject})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, g.now())

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

// errConnClosing reports a join that lost the race with connection shutdown.
var errConnClosing = errors.New("connection closing")

// onJoin verifies the session exists, subscribes the client and echoes a summary.
func (g *WSGateway) onJoin(ctx context.Context, client *Client, subs *subscriptions, env v1.Envelope) (string, string, error) {
	var p v1.SessionJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", "join_failed", fmt.Errorf("invalid payload: %w", err)
	}

	sid := strings.TrimSpace(p.SessionID)
	if sid == "" || len(sid) > maxSessionIDLen {
		return sid, "join_failed", errors.New("missing or invalid session_id")
	}
	if subs.count() >= maxSubscriptionsPerConn {
		return sid, "join_failed", fmt.Errorf("too many subscriptions: max=%d", maxSubscriptionsPerConn)
	}

	sess, err := g.sessions.GetSession(ctx, sid)
	if err != nil {
		if errors.Is(err, attendance.ErrNotFound) {
			return sid, "session_not_found", errors.New("session not found")
		}
		g.log.Error("ws.join.lookup.fail", "session_id", sid, "err", err)
		return sid, "join_failed", errors.New("session lookup failed")
	}
	count, err := g.sessions.CountCheckIns(ctx, sid)
	if err != nil {
		g.log.Warn("ws.join.count.fail", "session_id", sid, "err", err)
	}

	if !subs.add(sess.ID) {
		return sess.ID, "", errConnClosing
	}

	expires := sess.ExpiresAt
	echoPayload, _ := json.Marshal(v1.SessionJoinPayload{
		SessionID:    sess.ID,
		Name:         sess.Name,
		Location:     sess.Location,
		Status:       string(sess.EffectiveStatus(g.now())),
		ExpiresAt:    &expires,
		CheckInCount: count,
	})
	echo := newEnvelope(v1.TypeSessionJoin, echoPayload, g.now())
	echo.SessionID = sess.ID

	if !g.enqueue(ctx, client, echo) {
		subs.remove(sess.ID)
		return sid, "join_failed", errors.New("backpressure: join echo")
	}
	return sess.ID, "", nil
}

func (g *WSGateway) onLeave(ctx context.Context, client *Client, subs *subscriptions, env v1.Envelope) (string, error) {
	var p v1.SessionLeavePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	sid := strings.TrimSpace(p.SessionID)
	if sid == "" {
		return "", errors.New("missing session_id")
	}

	subs.remove(sid)

	echoPayload, _ := json.Marshal(v1.SessionLeavePayload{SessionID: sid})
	echo := newEnvelope(v1.TypeSessionLeave, echoPayload, g.now())
	echo.SessionID = sid
	_ = g.enqueue(ctx, client, echo)
	return sid, nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, sessionID, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, g.now())
	env.SessionID = sessionID
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	if ctx.Err() != nil {
		return false
	}
	return client.Offer(env)
}

// ---- envelope IO ----

type badJSONError struct{ err error }

func (e badJSONError) Error() string { return "bad json: " + e.err.Error() }
func (e badJSONError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad badJSONError
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins keeps websocket.Accept strict:
// only hosts extracted from the allowlist are accepted.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	// Accept matches patterns against host[:port], so allow any port for each host.
	out := make([]string, 0, 2*len(seen))
	for h := range seen {
		out = append(out, h, h+":*")
	}
	sort.Strings(out)
	return out
}
