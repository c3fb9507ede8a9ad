package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path"
	"strings"
	"sync"

	"vitalis/cmd/identity"
	authv1 "vitalis/shared/contracts/auth/v1"

	"golang.org/x/net/publicsuffix"
)

const maxResponseBytes = 1 << 20

// Controller holds client-side auth state. It is safe for concurrent use;
// overlapping calls are not fenced and the last response to arrive wins.
type Controller struct {
	base *url.URL
	hc   *http.Client
	log  *slog.Logger

	mu           sync.Mutex
	state        State
	refreshToken string
	subs         map[uint64]func(State)
	nextSub      uint64
	scopes       map[string]cookieScope
}

// cookieScope is the Path and Domain a cookie was set with. The jar does not
// report them back, and expiring a cookie needs both to match.
type cookieScope struct {
	path   string
	domain string
}

type Option func(*Controller)

// WithHTTPClient uses hc for requests. A client without a Jar gets one.
// hc must not set Timeout when Watch is used; pass deadlines through ctx.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Controller) {
		if hc != nil {
			cp := *hc
			c.hc = &cp
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// New builds a Controller talking to the server at baseURL (scheme and host,
// optionally a path prefix).
func New(baseURL string, opts ...Option) (*Controller, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("authclient: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("authclient: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("authclient: base url has no host")
	}

	c := &Controller{
		base: u,
		hc:   &http.Client{},
		log:  slog.Default(),
		subs:   make(map[uint64]func(State)),
		scopes: make(map[string]cookieScope),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.hc.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("authclient: cookie jar: %w", err)
		}
		c.hc.Jar = jar
	}
	return c, nil
}

// State returns a copy of the current state. The refresh token is never exposed.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Subscribe registers fn to receive every state change. fn runs on the
// goroutine that made the change and must not call back into Subscribe.
func (c *Controller) Subscribe(fn func(State)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// update applies fn under the lock and then notifies subscribers.
func (c *Controller) update(fn func()) {
	c.mu.Lock()
	fn()
	snap := c.state.clone()
	subs := make([]func(State), 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s(snap)
	}
}

func (c *Controller) begin() {
	c.update(func() {
		c.state.IsLoading = true
		c.state.Error = nil
	})
}

// adopt installs user and session; the caller holds the lock.
func (c *Controller) adopt(u *authv1.User, s *authv1.Session, refresh string) {
	c.state.User = u
	c.state.Session = s
	c.state.RequiresTwoFactor = false
	c.state.Error = nil
	c.refreshToken = refresh
}

// forget drops user, session and refresh token; the caller holds the lock.
func (c *Controller) forget() {
	c.state.User = nil
	c.state.Session = nil
	c.state.RequiresTwoFactor = false
	c.refreshToken = ""
}

// Init hydrates state from GET /api/auth/session. No session is not an error.
func (c *Controller) Init(ctx context.Context) Result {
	c.begin()
	resp, err := c.call(ctx, http.MethodGet, "api/auth/session", nil)

	var res Result
	c.update(func() {
		c.state.IsLoading = false
		switch {
		case err != nil:
			c.log.Warn("authclient.init.fail", "err", err)
			c.forget()
			c.state.Error = networkError()
			res.Error = networkError()
		case resp.Success && resp.User != nil && resp.Session != nil:
			// Hydration never returns a refresh token; keep ours if it belongs to this session.
			keep := ""
			if c.state.Session != nil && c.state.Session.ID == resp.Session.ID {
				keep = c.refreshToken
			}
			c.adopt(resp.User, resp.Session, keep)
			res.Success = true
		default:
			c.forget()
			c.state.Error = resp.Error
			res.Error = resp.Error
		}
	})
	return res
}

// Login posts creds and adopts the issued session, or records why it was refused.
func (c *Controller) Login(ctx context.Context, creds Credentials) Result {
	c.begin()
	resp, err := c.call(ctx, http.MethodPost, "api/auth/login", authv1.LoginRequest{
		Email:      creds.Email,
		Password:   creds.Password,
		RememberMe: creds.RememberMe,
	})

	var res Result
	c.update(func() {
		c.state.IsLoading = false
		switch {
		case err != nil:
			c.log.Warn("authclient.login.fail", "err", err)
			c.state.Error = networkError()
			res.Error = networkError()
		case resp.Success && resp.User != nil && resp.Session != nil:
			c.adopt(resp.User, resp.Session, resp.Session.RefreshToken)
			res.Success = true
		case resp.RequiresTwoFactor:
			c.forget()
			c.state.RequiresTwoFactor = true
			c.state.Error = resp.Error
			res.RequiresTwoFactor = true
			res.Error = resp.Error
		default:
			c.state.Error = denial(resp)
			res.Error = denial(resp)
		}
	})
	return res
}

// Logout asks the server to end the session and clears local state whatever
// the outcome. Result reports whether the server confirmed.
func (c *Controller) Logout(ctx context.Context) Result {
	c.begin()
	resp, err := c.call(ctx, http.MethodPost, "api/auth/logout", nil)

	var res Result
	switch {
	case err != nil:
		c.log.Warn("authclient.logout.fail", "err", err)
		res.Error = networkError()
	case !resp.Success:
		res.Error = denial(resp)
	default:
		res.Success = true
	}
	if !res.Success {
		c.dropCookies()
	}

	c.update(func() {
		c.state.IsLoading = false
		c.forget()
	})
	return res
}

// LogoutAll ends every session of the current user, including this one.
func (c *Controller) LogoutAll(ctx context.Context) Result {
	c.begin()
	resp, err := c.call(ctx, http.MethodPost, "api/auth/logout-all", nil)

	var res Result
	c.update(func() {
		c.state.IsLoading = false
		switch {
		case err != nil:
			c.log.Warn("authclient.logout_all.fail", "err", err)
			c.state.Error = networkError()
			res.Error = networkError()
		case resp.Success:
			c.forget()
			res.Success = true
			res.Revoked = resp.Revoked
		default:
			if resp.Error != nil && resp.Error.Code == authv1.CodeUnauthorized {
				c.forget()
			}
			c.state.Error = denial(resp)
			res.Error = denial(resp)
		}
	})
	if res.Success {
		c.dropCookies()
	}
	return res
}

// RefreshSession redeems the held refresh token for a rotated session.
// Without a token it fails with UNAUTHORIZED and leaves state untouched.
func (c *Controller) RefreshSession(ctx context.Context) Result {
	c.mu.Lock()
	tok := c.refreshToken
	c.mu.Unlock()
	if tok == "" {
		return Result{Error: apiError(authv1.CodeUnauthorized, "No refresh token available")}
	}

	c.begin()
	resp, err := c.call(ctx, http.MethodPost, "api/auth/refresh", authv1.RefreshRequest{RefreshToken: tok})

	var res Result
	c.update(func() {
		c.state.IsLoading = false
		switch {
		case err != nil:
			c.log.Warn("authclient.refresh.fail", "err", err)
			c.state.Error = networkError()
			res.Error = networkError()
		case resp.Success && resp.User != nil && resp.Session != nil:
			c.adopt(resp.User, resp.Session, resp.Session.RefreshToken)
			res.Success = true
		default:
			c.forget()
			c.state.Error = denial(resp)
			res.Error = denial(resp)
		}
	})
	return res
}

// HasRole reports whether the held user meets role. UI gating only.
func (c *Controller) HasRole(role identity.Role) bool {
	u, ok := c.principal()
	return ok && identity.HasRole(u, role)
}

// HasPermission reports whether the held user's role grants perm. UI gating only.
func (c *Controller) HasPermission(perm string) bool {
	u, ok := c.principal()
	return ok && identity.HasPermission(u, perm)
}

func (c *Controller) principal() (identity.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.User == nil {
		return identity.User{}, false
	}
	role, err := identity.ParseRole(c.state.User.Role)
	if err != nil {
		return identity.User{}, false
	}
	return identity.User{ID: c.state.User.ID, Role: role}, true
}

func denial(resp authv1.Response) *authv1.Error {
	if resp.Error != nil {
		return resp.Error
	}
	return apiError(authv1.CodeServerError, "Unexpected response")
}

// call performs one JSON round trip. Any response carrying a decodable
// envelope is returned as-is; everything else is a transport error.
func (c *Controller) call(ctx context.Context, method, path string, body any) (authv1.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return authv1.Response{}, err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), rdr)
	if err != nil {
		return authv1.Response{}, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.hc.Do(req)
	if err != nil {
		return authv1.Response{}, err
	}
	defer httpResp.Body.Close()
	c.noteCookies(httpResp)

	var out authv1.Response
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return authv1.Response{}, fmt.Errorf("decode %s %s (status %d): %w", method, path, httpResp.StatusCode, err)
	}
	if httpResp.StatusCode >= http.StatusInternalServerError && out.Error == nil {
		return authv1.Response{}, fmt.Errorf("%s %s: status %d", method, path, httpResp.StatusCode)
	}
	return out, nil
}

// noteCookies remembers the scope of every cookie the server sets.
func (c *Controller) noteCookies(resp *http.Response) {
	set := resp.Cookies()
	if len(set) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ck := range set {
		if ck.MaxAge < 0 {
			delete(c.scopes, ck.Name)
			continue
		}
		p := ck.Path
		if !strings.HasPrefix(p, "/") {
			p = defaultCookiePath(resp.Request.URL.Path)
		}
		c.scopes[ck.Name] = cookieScope{path: p, domain: ck.Domain}
	}
}

// defaultCookiePath is the RFC 6265 section 5.1.4 default-path of a request path.
func defaultCookiePath(reqPath string) string {
	if !strings.HasPrefix(reqPath, "/") || strings.Count(reqPath, "/") == 1 {
		return "/"
	}
	return path.Dir(reqPath)
}

// dropCookies expires every cookie the server set, and anything else the jar
// holds for the base URL, so a failed logout cannot leave the client
// authenticated.
func (c *Controller) dropCookies() {
	c.mu.Lock()
	scopes := c.scopes
	c.scopes = make(map[string]cookieScope)
	c.mu.Unlock()

	for _, ck := range c.hc.Jar.Cookies(c.base) {
		if _, ok := scopes[ck.Name]; !ok {
			scopes[ck.Name] = cookieScope{path: "/"}
		}
	}
	if len(scopes) == 0 {
		return
	}
	expired := make([]*http.Cookie, 0, len(scopes))
	for name, sc := range scopes {
		expired = append(expired, &http.Cookie{Name: name, Path: sc.path, Domain: sc.domain, MaxAge: -1})
	}
	c.hc.Jar.SetCookies(c.base, expired)
}
