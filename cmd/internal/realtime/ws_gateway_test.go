package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"attend/cmd/internal/attendance"
	v1 "attend/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const testOperatorKey = "operator-secret"

func TestWSGateway_Unauthorized_Rejected(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t)
	_, resp, err := dialWS(t, env.ts.URL, env.ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected unauthorized handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 401, got status=%d err=%v", status, err)
	}
}

func TestWSGateway_ForeignOrigin_Rejected(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t)
	_, resp, err := dialWS(t, env.ts.URL, "https://evil.example.com", testOperatorKey)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, err=%v", err)
	}
}

func TestWSGateway_JoinReceivesOnlyOwnSessionEvents(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t)
	a := env.mustCreate(t, "A")
	b := env.mustCreate(t, "B")

	connA := env.mustDial(t)
	defer connA.Close(websocket.StatusNormalClosure, "")
	connB := env.mustDial(t)
	defer connB.Close(websocket.StatusNormalClosure, "")

	hello(t, connA)
	hello(t, connB)
	join(t, connA, a.ID)
	join(t, connB, b.ID)

	waitFor(t, func() bool { return env.hub.Subscribers(a.ID) == 1 && env.hub.Subscribers(b.ID) == 1 })

	if _, err := env.svc.CheckIn(t.Context(), a.ID, a.CurrentToken, attendance.Attendee{Name: "Jane Doe"}); err != nil {
		t.Fatalf("check-in: %v", err)
	}

	got := readUntilType(t, connA, v1.TypeCheckIn, 4)
	var p v1.CheckInPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatalf("decode check-in: %v", err)
	}
	if p.SessionID != a.ID || p.Name != "Jane Doe" || got.SessionID != a.ID {
		t.Fatalf("unexpected payload: %+v", p)
	}

	// B must not see A's event.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, data, err := connB.Read(ctx); err == nil {
		t.Fatalf("subscriber of another session received %s", data)
	}
}

func TestWSGateway_ListenOnlyDashboardOutlivesIdleTimeout(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t, func(c *Config) {
		c.ReadIdleTimeout = 300 * time.Millisecond
		c.HeartbeatInterval = 50 * time.Millisecond
		c.HeartbeatTimeout = time.Second
	})
	s := env.mustCreate(t, "Listen only")

	conn := env.mustDial(t)
	defer conn.Close(websocket.StatusNormalClosure, "")
	hello(t, conn)
	join(t, conn, s.ID)

	// Keep reading so pings are answered, but never send another frame.
	frames := make(chan v1.Envelope, 16)
	go func() {
		defer close(frames)
		for {
			_, b, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var e v1.Envelope
			if json.Unmarshal(b, &e) == nil {
				frames <- e
			}
		}
	}()

	time.Sleep(900 * time.Millisecond)
	if n := env.hub.Subscribers(s.ID); n != 1 {
		t.Fatalf("subscribers after idle=%d want 1", n)
	}

	if _, err := env.svc.CheckIn(t.Context(), s.ID, s.CurrentToken, attendance.Attendee{Name: "Jane Doe"}); err != nil {
		t.Fatalf("check-in: %v", err)
	}

	timeout := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-frames:
			if !ok {
				t.Fatalf("connection dropped while idle")
			}
			if e.Type == v1.TypeCheckIn && e.SessionID == s.ID {
				return
			}
		case <-timeout:
			t.Fatalf("no check-in delivered to the idle dashboard")
		}
	}
}

func TestWSGateway_UnresponsivePeerIsDropped(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t, func(c *Config) {
		c.ReadIdleTimeout = 200 * time.Millisecond
		c.HeartbeatInterval = 50 * time.Millisecond
		c.HeartbeatTimeout = 30 * time.Millisecond
	})
	s := env.mustCreate(t, "Gone quiet")

	conn := env.mustDial(t)
	defer conn.Close(websocket.StatusNormalClosure, "")
	join(t, conn, s.ID)

	// The peer stops reading, so pings go unanswered.
	waitFor(t, func() bool { return env.hub.Subscribers(s.ID) == 0 && env.hub.Rooms() == 0 })
}

func TestConfig_IdleTimeoutSpansTwoHeartbeats(t *testing.T) {
	t.Parallel()

	c := DefaultConfig()
	c.HeartbeatInterval = time.Minute
	c.ReadIdleTimeout = 10 * time.Second
	if got := c.normalized().ReadIdleTimeout; got != 2*time.Minute {
		t.Fatalf("ReadIdleTimeout=%s want 2m", got)
	}
}

func TestWSGateway_JoinUnknownSession(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t)
	conn := env.mustDial(t)
	defer conn.Close(websocket.StatusNormalClosure, "")

	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSessionJoin,
		ID:      "join-missing",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.SessionJoinPayload{SessionID: "missing"}),
	})

	got := readUntilType(t, conn, v1.TypeError, 4)
	var p v1.ErrorPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if p.Code != "session_not_found" {
		t.Fatalf("code=%q", p.Code)
	}
}

func TestWSGateway_DisconnectLeavesRoom(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t)
	s := env.mustCreate(t, "Leave")

	conn := env.mustDial(t)
	join(t, conn, s.ID)
	waitFor(t, func() bool { return env.hub.Subscribers(s.ID) == 1 })

	_ = conn.Close(websocket.StatusNormalClosure, "done")
	waitFor(t, func() bool { return env.hub.Subscribers(s.ID) == 0 && env.hub.Rooms() == 0 })
}

func TestWSGateway_SessionLeave(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t)
	s := env.mustCreate(t, "Leave explicitly")

	conn := env.mustDial(t)
	defer conn.Close(websocket.StatusNormalClosure, "")
	join(t, conn, s.ID)

	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSessionLeave,
		ID:      "leave-1",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.SessionLeavePayload{SessionID: s.ID}),
	})
	readUntilType(t, conn, v1.TypeSessionLeave, 4)
	waitFor(t, func() bool { return env.hub.Subscribers(s.ID) == 0 })
}

func TestWSGateway_BadEnvelope(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t)
	conn := env.mustDial(t)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readUntilType(t, conn, v1.TypeError, 2)
	var p v1.ErrorPayload
	_ = json.Unmarshal(got.Payload, &p)
	if p.Code != "bad_json" {
		t.Fatalf("code=%q", p.Code)
	}

	writeEnvelopeWS(t, conn, v1.Envelope{V: "v0", Type: v1.TypeHello, TS: time.Now().UTC()})
	got = readUntilType(t, conn, v1.TypeError, 2)
	_ = json.Unmarshal(got.Payload, &p)
	if p.Code != "bad_envelope" {
		t.Fatalf("code=%q", p.Code)
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost:3000", "https://Dash.Example.com", "*", ""})
	want := []string{"dash.example.com", "dash.example.com:*", "localhost", "localhost:*"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns=%v want %v", got, want)
	}
}

// ---- test helpers ----

type gatewayEnv struct {
	svc *attendance.Service
	hub *Hub
	ts  *httptest.Server
}

func newGatewayEnv(t *testing.T, tune ...func(*Config)) gatewayEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(log, WithCheckInBaseURL("https://attend.example.com"))
	svc, err := attendance.NewService(attendance.NewMemoryStore(), attendance.WithPublisher(hub), attendance.WithLogger(log))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	auth := func(r *http.Request) (string, error) {
		if strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") != testOperatorKey {
			return "", errors.New("bad credentials")
		}
		return "op-test", nil
	}

	cfg := DefaultConfig()
	for _, fn := range tune {
		fn(&cfg)
	}
	gw, err := NewWSGateway(log, hub, svc, auth, cfg)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return gatewayEnv{svc: svc, hub: hub, ts: ts}
}

func (e gatewayEnv) mustCreate(t *testing.T, name string) attendance.Session {
	t.Helper()

	s, err := e.svc.CreateSession(t.Context(), attendance.CreateSessionInput{
		Name:      name,
		Location:  "HQ",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (e gatewayEnv) mustDial(t *testing.T) *websocket.Conn {
	t.Helper()

	// Same-origin dial: the test server URL is both Host and Origin.
	conn, resp, err := dialWS(t, e.ts.URL, e.ts.URL, testOperatorKey)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func hello(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      "hello-1",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.HelloPayload{Client: "test"}),
	})
	ack := readUntilType(t, conn, v1.TypeHelloAck, 4)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil || p.ConnectionID == "" || p.Subject != "op-test" {
		t.Fatalf("bad hello_ack: %+v err=%v", p, err)
	}
}

func join(t *testing.T, conn *websocket.Conn, sessionID string) {
	t.Helper()

	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSessionJoin,
		ID:      "join-" + sessionID,
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.SessionJoinPayload{SessionID: sessionID}),
	})
	echo := readUntilType(t, conn, v1.TypeSessionJoin, 4)
	var p v1.SessionJoinPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil || p.SessionID != sessionID || p.Status != "ACTIVE" {
		t.Fatalf("bad join echo: %+v err=%v", p, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func dialWS(t *testing.T, baseHTTPURL string, origin string, bearerToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(bearerToken) != "" {
		h.Set("Authorization", "Bearer "+bearerToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}
