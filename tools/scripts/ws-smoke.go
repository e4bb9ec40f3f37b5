// Package main provides a CI-friendly end-to-end smoke test for attend's live dashboard.
//
// It validates:
//   - handshake + subprotocol selection with operator credentials
//   - session_join echo with the session summary
//   - a public check-in over HTTP arrives as a check-in envelope
//   - rotation arrives as session.rotated and the old link stops working
//   - close arrives as session.closed
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "attend/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name         string
	conn         *websocket.Conn
	connectionID string

	inbox chan v1.Envelope
	errCh chan error
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

type sessionView struct {
	ID         string `json:"id"`
	Token      string `json:"token"`
	CheckInURL string `json:"checkInUrl"`
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		token   = flag.String("token", os.Getenv("ATTEND_OPERATOR_TOKEN"), "Operator JWT or operator key")
		site    = flag.String("site", "HQ", "Site code for the smoke session")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*token) == "" {
		fatalf("missing -token (or ATTEND_OPERATOR_TOKEN)")
	}

	root := context.Background()
	api := &apiClient{base: strings.TrimRight(*baseURL, "/"), token: *token, http: &http.Client{Timeout: *timeout}}

	now := time.Now().UTC()
	var created struct {
		Session sessionView `json:"session"`
	}
	api.mustDo(root, http.MethodPost, "/api/sessions", true, map[string]any{
		"name":      fmt.Sprintf("smoke %d", now.Unix()),
		"location":  *site,
		"startsAt":  now.Add(-time.Minute),
		"expiresAt": now.Add(30 * time.Minute),
	}, http.StatusCreated, &created)
	sess := created.Session

	dash := mustConnect(root, "dash", wsURL(api.base), *origin, *token, *timeout)
	defer closeWS(dash.conn)
	if *verbose {
		fmt.Printf("connected: conn=%s session=%s\n", dash.connectionID, sess.ID)
	}

	mustJoin(root, dash, sess.ID, *timeout)

	api.mustDo(root, http.MethodPost, "/api/checkin/"+sess.ID, false, map[string]string{
		"token": sess.Token,
		"name":  "Smoke Tester",
	}, http.StatusCreated, nil)

	env := dash.mustReadUntilType(root, v1.TypeCheckIn, *timeout)
	var ci v1.CheckInPayload
	if err := json.Unmarshal(env.Payload, &ci); err != nil {
		fatalf("unmarshal check-in payload: %v", err)
	}
	if ci.SessionID != sess.ID || ci.Name != "Smoke Tester" {
		fatalf("check-in mismatch: %+v", ci)
	}

	api.mustDo(root, http.MethodPost, "/api/sessions/"+sess.ID+"/rotate", true, nil, http.StatusOK, nil)
	env = dash.mustReadUntilType(root, v1.TypeSessionRotated, *timeout)
	var rot v1.SessionRotatedPayload
	if err := json.Unmarshal(env.Payload, &rot); err != nil {
		fatalf("unmarshal rotated payload: %v", err)
	}
	if rot.CheckInURL == "" || rot.CheckInURL == sess.CheckInURL {
		fatalf("rotation did not change the check-in link: %q", rot.CheckInURL)
	}

	api.mustDo(root, http.MethodPost, "/api/checkin/"+sess.ID, false, map[string]string{
		"token": sess.Token,
		"name":  "Stale Link",
	}, http.StatusForbidden, nil)

	api.mustDo(root, http.MethodPost, "/api/sessions/"+sess.ID+"/close", true, nil, http.StatusOK, nil)
	dash.mustReadUntilType(root, v1.TypeSessionClosed, *timeout)

	fmt.Printf("OK: session=%s conn=%s checkin=%s\n", sess.ID, dash.connectionID, ci.CheckInID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	default:
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
}

func (a *apiClient) mustDo(ctx context.Context, method, path string, operator bool, body any, want int, out any) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(mustJSON(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		fatalf("build %s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if operator {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != want {
		fatalf("%s %s: status=%d want=%d body=%s", method, path, resp.StatusCode, want, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Client: "ws-smoke"}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("hello_ack missing connection_id (%s)", name)
	}
	c.connectionID = p.ConnectionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, sessionID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:         v1.Version,
		Type:      v1.TypeSessionJoin,
		ID:        fmt.Sprintf("%s-join", c.name),
		SessionID: sessionID,
		TS:        time.Now().UTC(),
		Payload:   mustJSON(v1.SessionJoinPayload{SessionID: sessionID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeSessionJoin, stepTimeout)
	var p v1.SessionJoinPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal session_join echo (%s): %v", c.name, err)
	}
	if p.SessionID != sessionID || p.Status == "" {
		fatalf("session_join echo mismatch (%s): %+v", c.name, p)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			// Events for earlier steps may still be queued; skip them.
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
