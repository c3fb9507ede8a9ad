package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"vitalis/cmd/identity"
	"vitalis/cmd/identity/ids"
	"vitalis/cmd/internal/auth/session"
	"vitalis/cmd/internal/metrics"
	"vitalis/cmd/security/ratelimit"
	authv1 "vitalis/shared/contracts/auth/v1"
)

// Handler wires HTTP auth endpoints to the identity and session services.
type Handler struct {
	log *slog.Logger
	cfg Config

	sessions *session.Service
	auth     *identity.Authenticator
	validate *validator.Validate

	loginLimiter   *ratelimit.Limiter
	refreshLimiter *ratelimit.Limiter

	auditor Auditor
	metrics *metrics.Metrics
	now     func() time.Time
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithAuditor overrides the default log-only auditor.
func WithAuditor(a Auditor) HandlerOption {
	return func(h *Handler) {
		if a != nil {
			h.auditor = a
		}
	}
}

// WithMetrics records login outcomes and rate limiting.
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, sessions *session.Service, auth *identity.Authenticator, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil || auth == nil {
		return nil, errors.New("authapi: session service and authenticator are required")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:            log,
		cfg:            cfg,
		sessions:       sessions,
		auth:           auth,
		validate:       newValidator(),
		loginLimiter:   ratelimit.New(cfg.LoginWindow, cfg.LoginMax, ratelimit.WithMaxKeys(cfg.LimiterKeys)),
		refreshLimiter: ratelimit.New(cfg.RefreshWindow, cfg.RefreshMax, ratelimit.WithMaxKeys(cfg.LimiterKeys)),
		auditor:        LogAuditor{Log: log},
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires auth routes onto r.
func (h *Handler) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/auth/login", h.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", h.handleLogout).Methods(http.MethodPost)
	api.Handle("/auth/logout-all", h.RequireAuth(http.HandlerFunc(h.handleLogoutAll))).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", h.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/auth/session", h.handleSession).Methods(http.MethodGet)
	api.Handle("/auth/sessions", h.RequireAuth(http.HandlerFunc(h.handleSessions))).Methods(http.MethodGet)

	api.Handle("/admin/users/{id}/sessions",
		h.RequirePermission(identity.PermSessionsRevoke, http.HandlerFunc(h.handleAdminRevoke)),
	).Methods(http.MethodDelete)
}

// ---- handlers ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req authv1.LoginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, authv1.CodeInvalidRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, authv1.CodeInvalidRequest, validationMessage(err))
		return
	}

	ctx := r.Context()
	now := h.now()
	dev := h.device(r)
	dev.RememberMe = req.RememberMe
	email := identity.NormalizeEmail(req.Email)

	limitKey := limiterKey(dev.IP)
	if ok, retryAfter := h.loginLimiter.Check(limitKey, now); !ok {
		h.metrics.Login(metrics.LoginRateLimited)
		h.metrics.RateLimited("login")
		h.audit(ctx, AuditEvent{
			Action: "auth.login.rate_limited", IP: dev.IP, UserAgent: dev.UserAgent,
			Meta: map[string]any{"email": email, "retry_after_s": int64(retryAfter.Seconds())},
		})
		writeRateLimited(w, retryAfter)
		return
	}

	res, err := h.auth.Authenticate(ctx, req.Email, req.Password, now)
	switch {
	case identity.IsInvalidCredentials(err):
		h.metrics.Login(metrics.LoginInvalid)
		h.audit(ctx, AuditEvent{
			Action: "auth.login.failed", IP: dev.IP, UserAgent: dev.UserAgent,
			Meta: map[string]any{"email": email, "reason": "invalid_credentials"},
		})
		writeError(w, http.StatusUnauthorized, authv1.CodeInvalidCredentials, "Invalid email or password")
		return
	case identity.IsNotActive(err):
		h.metrics.Login(metrics.LoginInactive)
		h.audit(ctx, AuditEvent{
			Action: "auth.login.failed", IP: dev.IP, UserAgent: dev.UserAgent,
			Meta: map[string]any{"email": email, "reason": "account_inactive"},
		})
		writeError(w, http.StatusForbidden, authv1.CodeAccountInactive, "Account is not active")
		return
	case err != nil:
		h.metrics.Login(metrics.LoginError)
		h.log.Error("auth.login.fail", "err", err)
		writeServerError(w)
		return
	}

	if res.RequiresTwoFactor {
		h.metrics.Login(metrics.LoginTwoFactor)
		h.audit(ctx, AuditEvent{
			Action: "auth.login.two_factor_required", UserID: res.User.ID, IP: dev.IP, UserAgent: dev.UserAgent,
		})
		writeJSON(w, http.StatusOK, authv1.Response{
			RequiresTwoFactor: true,
			Error:             &authv1.Error{Code: authv1.CodeTwoFactorRequired, Message: "Two-factor authentication required"},
		})
		return
	}

	sess, err := h.sessions.CreateSession(ctx, now, res.User, dev)
	if err != nil {
		h.metrics.Login(metrics.LoginError)
		h.log.Error("auth.login.create_session.fail", "err", err, "user_id", res.User.ID)
		writeServerError(w)
		return
	}
	if err := h.sessions.Cookies().Set(w, sess); err != nil {
		h.log.Error("auth.login.cookie.fail", "err", err, "session_id", sess.ID)
		_ = h.sessions.DestroySession(ctx, now, sess.ID, session.ReasonLogout)
		writeServerError(w)
		return
	}

	// Only failed attempts count against the caller's budget.
	h.loginLimiter.Reset(limitKey)
	h.metrics.Login(metrics.LoginSuccess)
	h.audit(ctx, AuditEvent{
		Action: "auth.login.success", UserID: res.User.ID, SessionID: sess.ID, IP: dev.IP, UserAgent: dev.UserAgent,
		Meta: map[string]any{"remember_me": sess.RememberMe},
	})

	out := toSessionResponse(sess, true)
	writeJSON(w, http.StatusOK, authv1.Response{
		Success: true,
		User:    toUserResponse(res.User),
		Session: &out,
	})
}

// handleLogout always succeeds from the client's point of view; there may be nothing to destroy.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.now()
	dev := h.device(r)

	res, err := h.sessions.FromRequest(r, now, dev)
	if err != nil {
		h.log.Error("auth.logout.lookup.fail", "err", err)
		h.sessions.Cookies().Clear(w)
		writeServerError(w)
		return
	}
	h.sessions.Cookies().Clear(w)

	if res.Authenticated() {
		if err := h.sessions.DestroySession(ctx, now, res.Session.ID, session.ReasonLogout); err != nil {
			h.log.Error("auth.logout.fail", "err", err, "session_id", res.Session.ID)
			writeServerError(w)
			return
		}
		h.audit(ctx, AuditEvent{
			Action: "auth.logout", UserID: res.User.ID, SessionID: res.Session.ID, IP: dev.IP, UserAgent: dev.UserAgent,
		})
	}
	writeJSON(w, http.StatusOK, authv1.Response{Success: true})
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, _ := FromContext(ctx)
	now := h.now()

	n, err := h.sessions.DestroyAllUserSessions(ctx, now, res.User.ID, session.ReasonLogoutAll)
	if err != nil {
		h.log.Error("auth.logout_all.fail", "err", err, "user_id", res.User.ID)
		writeServerError(w)
		return
	}
	h.sessions.Cookies().Clear(w)

	dev := h.device(r)
	h.audit(ctx, AuditEvent{
		Action: "auth.logout_all", UserID: res.User.ID, SessionID: res.Session.ID, IP: dev.IP, UserAgent: dev.UserAgent,
		Meta: map[string]any{"revoked": n},
	})
	writeJSON(w, http.StatusOK, authv1.Response{Success: true, Revoked: n})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req authv1.RefreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, authv1.CodeInvalidRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, authv1.CodeInvalidRequest, validationMessage(err))
		return
	}

	ctx := r.Context()
	now := h.now()
	dev := h.device(r)

	if ok, retryAfter := h.refreshLimiter.Check(limiterKey(dev.IP), now); !ok {
		h.metrics.RateLimited("refresh")
		writeRateLimited(w, retryAfter)
		return
	}

	res, err := h.sessions.RefreshSession(ctx, now, req.RefreshToken, dev)
	if err != nil {
		h.log.Error("auth.refresh.fail", "err", err)
		writeServerError(w)
		return
	}
	if !res.Authenticated() {
		h.audit(ctx, AuditEvent{Action: "auth.refresh.rejected", IP: dev.IP, UserAgent: dev.UserAgent})
		h.sessions.Cookies().Clear(w)
		writeError(w, http.StatusUnauthorized, authv1.CodeSessionExpired, "Session expired, please sign in again")
		return
	}
	if err := h.sessions.Cookies().Set(w, *res.Session); err != nil {
		h.log.Error("auth.refresh.cookie.fail", "err", err, "session_id", res.Session.ID)
		writeServerError(w)
		return
	}

	h.audit(ctx, AuditEvent{
		Action: "auth.refresh.success", UserID: res.User.ID, SessionID: res.Session.ID, IP: dev.IP, UserAgent: dev.UserAgent,
	})
	out := toSessionResponse(*res.Session, true)
	writeJSON(w, http.StatusOK, authv1.Response{
		Success: true,
		User:    toUserResponse(*res.User),
		Session: &out,
	})
}

// handleSession is the hydration entry point. "No session" is a 200 with success=false.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	res, err := h.sessions.FromRequest(r, now, h.device(r))
	if err != nil {
		h.log.Error("auth.session.fail", "err", err)
		writeServerError(w)
		return
	}
	if !res.Authenticated() {
		if _, ok := h.sessions.Cookies().Token(r); ok {
			h.sessions.Cookies().Clear(w)
		}
		writeJSON(w, http.StatusOK, authv1.Response{Success: false})
		return
	}
	h.extendCookie(w, r, res, now)

	out := toSessionResponse(*res.Session, false)
	writeJSON(w, http.StatusOK, authv1.Response{
		Success: true,
		User:    toUserResponse(*res.User),
		Session: &out,
	})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, _ := FromContext(ctx)

	list, err := h.sessions.ListUserSessions(ctx, res.User.ID)
	if err != nil {
		h.log.Error("auth.sessions.list.fail", "err", err, "user_id", res.User.ID)
		writeServerError(w)
		return
	}

	out := make([]authv1.Session, 0, len(list))
	for _, s := range list {
		v := toSessionResponse(s, false)
		v.Current = s.ID == res.Session.ID
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, authv1.Response{Success: true, Sessions: out})
}

func (h *Handler) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, _ := FromContext(ctx)

	target := mux.Vars(r)["id"]
	if !ids.Valid(target) {
		writeError(w, http.StatusBadRequest, authv1.CodeInvalidRequest, "Invalid user id")
		return
	}

	n, err := h.sessions.DestroyAllUserSessions(ctx, h.now(), target, session.ReasonAdminRevoked)
	if err != nil {
		h.log.Error("auth.admin.revoke.fail", "err", err, "target_user_id", target)
		writeServerError(w)
		return
	}

	dev := h.device(r)
	h.audit(ctx, AuditEvent{
		Action: "auth.admin.revoke_sessions", UserID: actor.User.ID, SessionID: actor.Session.ID,
		IP: dev.IP, UserAgent: dev.UserAgent,
		Meta: map[string]any{"target_user_id": target, "revoked": n},
	})
	writeJSON(w, http.StatusOK, authv1.Response{Success: true, Revoked: n})
}
