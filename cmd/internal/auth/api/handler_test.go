package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"vitalis/cmd/identity"
	"vitalis/cmd/internal/auth/session"
	"vitalis/cmd/security/password"
	authv1 "vitalis/shared/contracts/auth/v1"
)

const testPassword = "correct horse battery"

type recordingAuditor struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (a *recordingAuditor) Audit(_ context.Context, ev AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Action)
	}
	return out
}

type testEnv struct {
	router  *mux.Router
	handler *Handler
	dir     *identity.MemoryDirectory
	svc     *session.Service
	audit   *recordingAuditor
	users   map[string]identity.User
}

type envOptions struct {
	api     func(*Config)
	session func(*session.Config)
	clock   func() time.Time
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvWith(t, envOptions{api: mutate})
}

func newTestEnvWith(t *testing.T, o envOptions) *testEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := password.DefaultHasher()
	h.Params.MemoryKiB, h.Params.Iterations, h.Params.Parallelism = 8*1024, 1, 1

	dir := identity.NewMemoryDirectory(h)
	scfg := session.DefaultConfig()
	scfg.Secret = []byte(strings.Repeat("x", 32))
	if o.session != nil {
		o.session(&scfg)
	}
	svc, err := session.NewService(scfg, session.NewMemoryStore(), dir, session.WithLogger(log))
	if err != nil {
		t.Fatal(err)
	}
	auth, err := identity.NewAuthenticator(dir, h, log)
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	if o.api != nil {
		o.api(&cfg)
	}
	rec := &recordingAuditor{}
	handler, err := NewHandler(log, cfg, svc, auth, WithAuditor(rec), WithClock(o.clock))
	if err != nil {
		t.Fatal(err)
	}
	r := mux.NewRouter()
	handler.Register(r)

	env := &testEnv{router: r, handler: handler, dir: dir, svc: svc, audit: rec, users: map[string]identity.User{}}
	for _, u := range []identity.CreateUserInput{
		{Email: "client@example.com", Name: "Client", Role: identity.RoleClient},
		{Email: "manager@example.com", Name: "Manager", Role: identity.RoleManager},
		{Email: "admin@example.com", Name: "Admin", Role: identity.RoleAdmin},
		{Email: "twofa@example.com", Name: "Two Factor", Role: identity.RoleUser, TwoFactorEnabled: true},
		{Email: "suspended@example.com", Name: "Suspended", Role: identity.RoleUser, Status: identity.StatusSuspended},
	} {
		u.Password = testPassword
		created, err := dir.CreateUser(context.Background(), u)
		if err != nil {
			t.Fatalf("CreateUser(%s): %v", u.Email, err)
		}
		env.users[u.Email] = created
	}
	return env
}

type result struct {
	code    int
	header  http.Header
	body    authv1.Response
	cookies []*http.Cookie
}

func (e *testEnv) do(t *testing.T, method, path string, body any, cookies ...*http.Cookie) result {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("User-Agent", "authapi-test")
	for _, c := range cookies {
		if c != nil {
			req.AddCookie(c)
		}
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	res := result{code: rec.Code, header: rec.Header(), cookies: rec.Result().Cookies()}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &res.body); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return res
}

func (r result) cookie(name string) *http.Cookie {
	for _, c := range r.cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (r result) errCode() authv1.ErrorCode {
	if r.body.Error == nil {
		return ""
	}
	return r.body.Error.Code
}

func (e *testEnv) login(t *testing.T, email string) (result, *http.Cookie) {
	t.Helper()
	res := e.do(t, http.MethodPost, "/api/auth/login", authv1.LoginRequest{Email: email, Password: testPassword})
	if res.code != http.StatusOK || !res.body.Success {
		t.Fatalf("login(%s): code=%d body=%+v", email, res.code, res.body)
	}
	c := res.cookie("vitalis_session")
	if c == nil {
		t.Fatalf("login(%s): no session cookie", email)
	}
	return res, c
}

func TestLogin_Success(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	res, c := env.login(t, "Client@Example.com")

	if res.body.User == nil || res.body.User.Email != "client@example.com" || res.body.User.Role != "client" {
		t.Fatalf("user=%+v", res.body.User)
	}
	if res.body.Session == nil || res.body.Session.RefreshToken == "" || res.body.Session.ID == "" {
		t.Fatalf("session=%+v", res.body.Session)
	}
	if !c.HttpOnly || !c.Secure {
		t.Fatalf("cookie flags: %+v", c)
	}
	if got := res.header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q", got)
	}
	if acts := env.audit.actions(); len(acts) != 1 || acts[0] != "auth.login.success" {
		t.Fatalf("audit=%v", acts)
	}
}

func TestLogin_Failures(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	tests := []struct {
		name     string
		body     any
		wantCode int
		wantErr  authv1.ErrorCode
	}{
		{"wrong password", authv1.LoginRequest{Email: "client@example.com", Password: "wrong password!"}, 401, authv1.CodeInvalidCredentials},
		{"unknown email", authv1.LoginRequest{Email: "ghost@example.com", Password: testPassword}, 401, authv1.CodeInvalidCredentials},
		{"suspended", authv1.LoginRequest{Email: "suspended@example.com", Password: testPassword}, 403, authv1.CodeAccountInactive},
		{"missing password", authv1.LoginRequest{Email: "client@example.com"}, 400, authv1.CodeInvalidRequest},
		{"bad email", authv1.LoginRequest{Email: "not-an-email", Password: testPassword}, 400, authv1.CodeInvalidRequest},
		{"unknown field", `{"email":"client@example.com","password":"x","admin":true}`, 400, authv1.CodeInvalidRequest},
		{"malformed", `{"email":`, 400, authv1.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := env.do(t, http.MethodPost, "/api/auth/login", tt.body)
			if res.code != tt.wantCode || res.errCode() != tt.wantErr {
				t.Fatalf("code=%d err=%q want %d %q", res.code, res.errCode(), tt.wantCode, tt.wantErr)
			}
			if res.body.Success || res.cookie("vitalis_session") != nil {
				t.Fatalf("failed login must not succeed or set a cookie")
			}
		})
	}
}

func TestLogin_ValidationMessageUsesJSONNames(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	res := env.do(t, http.MethodPost, "/api/auth/login", authv1.LoginRequest{Email: "client@example.com"})
	if res.body.Error == nil || !strings.Contains(res.body.Error.Message, "password is required") {
		t.Fatalf("error=%+v", res.body.Error)
	}
}

func TestLogin_TwoFactorCreatesNoSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	res := env.do(t, http.MethodPost, "/api/auth/login", authv1.LoginRequest{Email: "twofa@example.com", Password: testPassword})

	if res.code != http.StatusOK || res.body.Success || !res.body.RequiresTwoFactor {
		t.Fatalf("code=%d body=%+v", res.code, res.body)
	}
	if res.errCode() != authv1.CodeTwoFactorRequired {
		t.Fatalf("err=%q", res.errCode())
	}
	if res.cookie("vitalis_session") != nil || res.body.Session != nil {
		t.Fatalf("two-factor login issued a session")
	}
	list, err := env.svc.ListUserSessions(context.Background(), env.users["twofa@example.com"].ID)
	if err != nil || len(list) != 0 {
		t.Fatalf("sessions=%d err=%v", len(list), err)
	}
}

func TestLogin_RateLimited(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *Config) { c.LoginMax = 3 })
	bad := authv1.LoginRequest{Email: "client@example.com", Password: "wrong password!"}
	for i := 0; i < 3; i++ {
		if res := env.do(t, http.MethodPost, "/api/auth/login", bad); res.code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: code=%d", i+1, res.code)
		}
	}

	res := env.do(t, http.MethodPost, "/api/auth/login", authv1.LoginRequest{Email: "client@example.com", Password: testPassword})
	if res.code != http.StatusTooManyRequests || res.errCode() != authv1.CodeRateLimited {
		t.Fatalf("code=%d err=%q", res.code, res.errCode())
	}
	if res.header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
}

func TestLogin_SuccessResetsRateLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *Config) { c.LoginMax = 3 })
	bad := authv1.LoginRequest{Email: "client@example.com", Password: "wrong password!"}
	for i := 0; i < 6; i++ {
		env.login(t, "client@example.com")
	}

	// A success clears earlier failures, so the full budget is available again.
	if res := env.do(t, http.MethodPost, "/api/auth/login", bad); res.code != http.StatusUnauthorized {
		t.Fatalf("code=%d", res.code)
	}
	env.login(t, "client@example.com")
	for i := 0; i < 3; i++ {
		if res := env.do(t, http.MethodPost, "/api/auth/login", bad); res.code != http.StatusUnauthorized {
			t.Fatalf("attempt %d after success: code=%d", i+1, res.code)
		}
	}
	if res := env.do(t, http.MethodPost, "/api/auth/login", bad); res.code != http.StatusTooManyRequests {
		t.Fatalf("code=%d want 429", res.code)
	}
}

func TestSession_Hydration(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	res := env.do(t, http.MethodGet, "/api/auth/session", nil)
	if res.code != http.StatusOK || res.body.Success || res.body.User != nil {
		t.Fatalf("anonymous: code=%d body=%+v", res.code, res.body)
	}

	login, c := env.login(t, "client@example.com")
	res = env.do(t, http.MethodGet, "/api/auth/session", nil, c)
	if !res.body.Success || res.body.User.ID != login.body.User.ID || res.body.Session.ID != login.body.Session.ID {
		t.Fatalf("hydrated body=%+v", res.body)
	}
	if res.body.Session.RefreshToken != "" {
		t.Fatalf("hydration leaked the refresh token")
	}

	forged := &http.Cookie{Name: c.Name, Value: "forged"}
	res = env.do(t, http.MethodGet, "/api/auth/session", nil, forged)
	if res.code != http.StatusOK || res.body.Success {
		t.Fatalf("forged cookie: code=%d body=%+v", res.code, res.body)
	}
}

func TestSlidingExpiration_ReissuesCookie(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	now := base
	env := newTestEnvWith(t, envOptions{
		session: func(c *session.Config) { c.SlidingExpiration = true },
		clock:   func() time.Time { return now },
	})
	_, c := env.login(t, "client@example.com")
	if c.MaxAge != int(24*time.Hour/time.Second) {
		t.Fatalf("login cookie MaxAge=%d", c.MaxAge)
	}

	tests := []struct {
		name string
		at   time.Duration
		path string
	}{
		// 20h in: the login cookie would lapse at 24h without a re-issue.
		{"hydration", 20 * time.Hour, "/api/auth/session"},
		// 30h in: only reachable because the previous request slid the session.
		{"guarded route", 30 * time.Hour, "/api/auth/sessions"},
	}
	for _, tt := range tests {
		now = base.Add(tt.at)
		res := env.do(t, http.MethodGet, tt.path, nil, c)
		if res.code != http.StatusOK || !res.body.Success {
			t.Fatalf("%s: code=%d body=%+v", tt.name, res.code, res.body)
		}
		got := res.cookie("vitalis_session")
		if got == nil {
			t.Fatalf("%s: no Set-Cookie after sliding the session", tt.name)
		}
		wantExp := now.Add(24 * time.Hour)
		if got.MaxAge != int(24*time.Hour/time.Second) || !got.Expires.Equal(wantExp) {
			t.Fatalf("%s: MaxAge=%d Expires=%v, want 86400 %v", tt.name, got.MaxAge, got.Expires, wantExp)
		}
		c = got
	}
}

func TestFixedExpiration_LeavesCookieAlone(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	_, c := env.login(t, "client@example.com")
	res := env.do(t, http.MethodGet, "/api/auth/session", nil, c)
	if !res.body.Success {
		t.Fatalf("hydration failed: %+v", res.body)
	}
	if got := res.cookie("vitalis_session"); got != nil {
		t.Fatalf("unexpected Set-Cookie without sliding expiration: %+v", got)
	}
}

func TestRequireRole(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.router.Handle("/api/staff/reports", env.handler.RequireRole(identity.RoleManager,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := FromContext(r.Context())
			if !ok {
				t.Errorf("guarded handler ran without a session")
			}
			writeJSON(w, http.StatusOK, authv1.Response{Success: true, User: toUserResponse(*res.User)})
		}),
	)).Methods(http.MethodGet)

	tests := []struct {
		name     string
		email    string
		wantCode int
		wantErr  authv1.ErrorCode
	}{
		{"anonymous", "", http.StatusUnauthorized, authv1.CodeUnauthorized},
		{"client below manager", "client@example.com", http.StatusForbidden, authv1.CodeForbidden},
		{"manager", "manager@example.com", http.StatusOK, ""},
		{"admin above manager", "admin@example.com", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c *http.Cookie
			if tt.email != "" {
				_, c = env.login(t, tt.email)
			}
			res := env.do(t, http.MethodGet, "/api/staff/reports", nil, c)
			if res.code != tt.wantCode || res.errCode() != tt.wantErr {
				t.Fatalf("code=%d err=%q, want %d %q", res.code, res.errCode(), tt.wantCode, tt.wantErr)
			}
		})
	}
}

func TestLogout(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	if res := env.do(t, http.MethodPost, "/api/auth/logout", nil); res.code != http.StatusOK || !res.body.Success {
		t.Fatalf("anonymous logout: code=%d body=%+v", res.code, res.body)
	}

	_, c := env.login(t, "client@example.com")
	res := env.do(t, http.MethodPost, "/api/auth/logout", nil, c)
	if res.code != http.StatusOK || !res.body.Success {
		t.Fatalf("logout: code=%d body=%+v", res.code, res.body)
	}
	if cleared := res.cookie("vitalis_session"); cleared == nil || cleared.MaxAge >= 0 {
		t.Fatalf("cookie not cleared: %+v", cleared)
	}
	if res := env.do(t, http.MethodGet, "/api/auth/session", nil, c); res.body.Success {
		t.Fatalf("session survived logout")
	}
}

func TestLogoutAll(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	if res := env.do(t, http.MethodPost, "/api/auth/logout-all", nil); res.code != http.StatusUnauthorized || res.errCode() != authv1.CodeUnauthorized {
		t.Fatalf("anonymous: code=%d err=%q", res.code, res.errCode())
	}

	_, c1 := env.login(t, "client@example.com")
	_, c2 := env.login(t, "client@example.com")

	res := env.do(t, http.MethodPost, "/api/auth/logout-all", nil, c1)
	if res.code != http.StatusOK || res.body.Revoked != 2 {
		t.Fatalf("code=%d revoked=%d", res.code, res.body.Revoked)
	}
	if res := env.do(t, http.MethodGet, "/api/auth/session", nil, c2); res.body.Success {
		t.Fatalf("second session survived logout-all")
	}
}

func TestRefresh_Rotates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	login, oldCookie := env.login(t, "client@example.com")

	req := authv1.RefreshRequest{RefreshToken: login.body.Session.RefreshToken}
	res := env.do(t, http.MethodPost, "/api/auth/refresh", req)
	if res.code != http.StatusOK || !res.body.Success {
		t.Fatalf("refresh: code=%d body=%+v", res.code, res.body)
	}
	if res.body.Session.ID == login.body.Session.ID || res.body.Session.RefreshToken == req.RefreshToken {
		t.Fatalf("refresh did not rotate")
	}
	newCookie := res.cookie("vitalis_session")
	if newCookie == nil {
		t.Fatalf("refresh did not set a cookie")
	}

	if r := env.do(t, http.MethodGet, "/api/auth/session", nil, oldCookie); r.body.Success {
		t.Fatalf("old session still valid")
	}
	if r := env.do(t, http.MethodGet, "/api/auth/session", nil, newCookie); !r.body.Success {
		t.Fatalf("new session rejected")
	}

	replay := env.do(t, http.MethodPost, "/api/auth/refresh", req)
	if replay.code != http.StatusUnauthorized || replay.errCode() != authv1.CodeSessionExpired {
		t.Fatalf("replay: code=%d err=%q", replay.code, replay.errCode())
	}
}

func TestRefresh_BadRequests(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	if res := env.do(t, http.MethodPost, "/api/auth/refresh", `{}`); res.code != http.StatusBadRequest {
		t.Fatalf("empty token: code=%d", res.code)
	}
	res := env.do(t, http.MethodPost, "/api/auth/refresh", authv1.RefreshRequest{RefreshToken: "garbage"})
	if res.code != http.StatusUnauthorized || res.errCode() != authv1.CodeSessionExpired {
		t.Fatalf("garbage token: code=%d err=%q", res.code, res.errCode())
	}
}

func TestSessions_ListMarksCurrent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	first, c1 := env.login(t, "client@example.com")
	env.login(t, "client@example.com")

	res := env.do(t, http.MethodGet, "/api/auth/sessions", nil, c1)
	if res.code != http.StatusOK || len(res.body.Sessions) != 2 {
		t.Fatalf("code=%d sessions=%+v", res.code, res.body.Sessions)
	}
	var current int
	for _, s := range res.body.Sessions {
		if s.Current {
			current++
			if s.ID != first.body.Session.ID {
				t.Fatalf("wrong current session %s", s.ID)
			}
		}
		if s.RefreshToken != "" {
			t.Fatalf("listing leaked a refresh token")
		}
	}
	if current != 1 {
		t.Fatalf("current=%d", current)
	}
}

func TestAdminRevoke(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	_, clientCookie := env.login(t, "client@example.com")
	_, adminCookie := env.login(t, "admin@example.com")
	target := env.users["client@example.com"].ID

	path := "/api/admin/users/" + target + "/sessions"
	if res := env.do(t, http.MethodDelete, path, nil); res.code != http.StatusUnauthorized {
		t.Fatalf("anonymous: code=%d", res.code)
	}
	if res := env.do(t, http.MethodDelete, path, nil, clientCookie); res.code != http.StatusForbidden || res.errCode() != authv1.CodeForbidden {
		t.Fatalf("client: code=%d err=%q", res.code, res.errCode())
	}
	if res := env.do(t, http.MethodDelete, "/api/admin/users/not-a-ulid/sessions", nil, adminCookie); res.code != http.StatusBadRequest {
		t.Fatalf("bad id: code=%d", res.code)
	}

	res := env.do(t, http.MethodDelete, path, nil, adminCookie)
	if res.code != http.StatusOK || res.body.Revoked != 1 {
		t.Fatalf("admin: code=%d revoked=%d", res.code, res.body.Revoked)
	}
	if r := env.do(t, http.MethodGet, "/api/auth/session", nil, clientCookie); r.body.Success {
		t.Fatalf("revoked session still valid")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	if res := env.do(t, http.MethodGet, "/api/auth/login", nil); res.code != http.StatusMethodNotAllowed {
		t.Fatalf("code=%d", res.code)
	}
}

func TestNewHandler_RequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := NewHandler(nil, DefaultConfig(), nil, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestLogAuditor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	a := LogAuditor{Log: slog.New(slog.NewJSONHandler(&buf, nil))}
	if err := a.Audit(context.Background(), AuditEvent{Action: "auth.logout", UserID: "u1", At: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"action":"auth.logout"`) || !strings.Contains(buf.String(), `"user_id":"u1"`) {
		t.Fatalf("log=%s", buf.String())
	}
}
