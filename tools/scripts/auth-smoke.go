// Package main provides a CI-friendly smoke test for the Vitalis auth server.
//
// It validates:
//   - login from two independent cookie jars
//   - session hydration via GET /api/auth/session
//   - handshake + subprotocol selection on /ws/session
//   - hello/ack bound to the caller's session
//   - logout-all from one client pushes session.revoked to the other
//   - the revoked cookie no longer hydrates
//
// Against a plain-HTTP server run with VITALIS_SESSION_COOKIE_SECURE=false;
// Go's cookie jar never sends Secure cookies over http.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/net/publicsuffix"

	authv1 "vitalis/shared/contracts/auth/v1"
	rtv1 "vitalis/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 16

type smokeClient struct {
	name string
	base *url.URL
	hc   *http.Client
}

var verbose bool

func main() {
	var (
		baseURL  = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		email    = flag.String("email", "", "Account email (required)")
		password = flag.String("password", "", "Account password (required)")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
	)
	flag.BoolVar(&verbose, "v", false, "Verbose output")
	flag.Parse()

	base, err := validateBaseURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*email) == "" || *password == "" {
		fatalf("-email and -password are required")
	}

	ctx := context.Background()
	a := newClient("A", base)
	b := newClient("B", base)

	sessA := mustLogin(ctx, a, *email, *password, *timeout)
	sessB := mustLogin(ctx, b, *email, *password, *timeout)
	if sessA.ID == sessB.ID {
		fatalf("two logins share session id %q", sessA.ID)
	}

	if got := mustHydrate(ctx, a, *timeout); got == nil || got.ID != sessA.ID {
		fatalf("hydrate (A): got=%v want session %q", got, sessA.ID)
	}

	conn := mustConnect(ctx, a, *timeout)
	defer func() { _ = conn.CloseNow() }()
	mustHello(ctx, conn, sessA.ID, *timeout)

	revoked := mustLogoutAll(ctx, b, *timeout)
	if revoked < 2 {
		fatalf("logout-all revoked %d sessions, want >= 2", revoked)
	}

	mustRevoked(ctx, conn, sessA.ID, *timeout)

	if got := mustHydrate(ctx, a, *timeout); got != nil {
		fatalf("hydrate after revoke (A): still bound to %q", got.ID)
	}

	fmt.Println("PASS")
}

func validateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func newClient(name string, base *url.URL) *smokeClient {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		fatalf("cookie jar: %v", err)
	}
	return &smokeClient{name: name, base: base, hc: &http.Client{Jar: jar}}
}

func (c *smokeClient) call(parent context.Context, method, path string, body any, stepTimeout time.Duration) (int, authv1.Response) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal %s body (%s): %v", path, c.name, err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), rd)
	if err != nil {
		fatalf("build %s %s (%s): %v", method, path, c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		fatalf("%s %s (%s): %v", method, path, c.name, err)
	}
	defer resp.Body.Close()

	var out authv1.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("decode %s (%s): status=%d err=%v", path, c.name, resp.StatusCode, err)
	}
	logf("%s %s %s -> %d success=%v", c.name, method, path, resp.StatusCode, out.Success)
	return resp.StatusCode, out
}

func mustLogin(ctx context.Context, c *smokeClient, email, password string, stepTimeout time.Duration) *authv1.Session {
	status, resp := c.call(ctx, http.MethodPost, "/api/auth/login",
		authv1.LoginRequest{Email: email, Password: password}, stepTimeout)
	if status != http.StatusOK || !resp.Success {
		fatalf("login (%s): status=%d error=%v", c.name, status, resp.Error)
	}
	if resp.Session == nil || resp.Session.ID == "" {
		fatalf("login (%s): response missing session", c.name)
	}
	if resp.Session.RefreshToken == "" {
		fatalf("login (%s): response missing refresh token", c.name)
	}
	return resp.Session
}

func mustHydrate(ctx context.Context, c *smokeClient, stepTimeout time.Duration) *authv1.Session {
	status, resp := c.call(ctx, http.MethodGet, "/api/auth/session", nil, stepTimeout)
	if status != http.StatusOK {
		fatalf("hydrate (%s): status=%d", c.name, status)
	}
	if !resp.Success {
		return nil
	}
	if resp.Session != nil && resp.Session.RefreshToken != "" {
		fatalf("hydrate (%s): refresh token leaked", c.name)
	}
	return resp.Session
}

func mustLogoutAll(ctx context.Context, c *smokeClient, stepTimeout time.Duration) int {
	status, resp := c.call(ctx, http.MethodPost, "/api/auth/logout-all", nil, stepTimeout)
	if status != http.StatusOK || !resp.Success {
		fatalf("logout-all (%s): status=%d error=%v", c.name, status, resp.Error)
	}
	return resp.Revoked
}

func mustConnect(parent context.Context, c *smokeClient, stepTimeout time.Duration) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = c.base.JoinPath("ws", "session").Path

	h := http.Header{}
	h.Set("Origin", c.base.Scheme+"://"+c.base.Host)

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:   c.hc,
		HTTPHeader:   h,
		Subprotocols: []string{rtv1.Subprotocol},
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		fatalf("connect (%s): status=%d err=%v", c.name, status, err)
	}
	if got := conn.Subprotocol(); got != rtv1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, rtv1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)
	return conn
}

func mustHello(parent context.Context, conn *websocket.Conn, sessionID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env, err := rtv1.NewEnvelope(rtv1.TypeHello, "", time.Now(), rtv1.HelloPayload{Client: "auth-smoke"})
	if err != nil {
		fatalf("build hello: %v", err)
	}
	writeEnvelope(ctx, conn, env)

	ack := readUntil(ctx, conn, rtv1.TypeHelloAck)
	var p rtv1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload: %v", err)
	}
	if p.SessionID != sessionID {
		fatalf("hello.ack session mismatch: got=%q want=%q", p.SessionID, sessionID)
	}
	if p.ExpiresAt.IsZero() {
		fatalf("hello.ack missing expires_at")
	}
}

func mustRevoked(parent context.Context, conn *websocket.Conn, sessionID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := readUntil(ctx, conn, rtv1.TypeSessionRevoked)
	var p rtv1.SessionRevokedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal session.revoked payload: %v", err)
	}
	if p.SessionID != sessionID {
		fatalf("session.revoked session mismatch: got=%q want=%q", p.SessionID, sessionID)
	}
	if p.Reason != "logout_all" {
		fatalf("session.revoked reason: got=%q want=%q", p.Reason, "logout_all")
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env rtv1.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s: %v", env.Type, err)
	}
	logf("-> %s", b)
}

func readUntil(ctx context.Context, conn *websocket.Conn, typ string) rtv1.Envelope {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			fatalf("waiting for %s: %v", typ, err)
		}
		logf("<- %s", data)

		var env rtv1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			fatalf("unmarshal envelope: %v", err)
		}
		if err := env.Validate(); err != nil {
			fatalf("invalid envelope: %v", err)
		}
		switch env.Type {
		case typ:
			return env
		case rtv1.TypeError:
			var p rtv1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			fatalf("server error while waiting for %s: %s %s", typ, p.Code, p.Message)
		}
	}
}

func logf(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
