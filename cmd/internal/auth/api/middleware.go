package authapi

import (
	"context"
	"net/http"
	"time"

	"vitalis/cmd/identity"
	"vitalis/cmd/internal/auth/session"
	authv1 "vitalis/shared/contracts/auth/v1"
)

type ctxKey struct{}

// FromContext returns the session attached by RequireAuth.
func FromContext(ctx context.Context) (session.Resolved, bool) {
	res, ok := ctx.Value(ctxKey{}).(session.Resolved)
	return res, ok && res.Authenticated()
}

// ResolveRequest resolves the caller's session cookie without writing a response.
func (h *Handler) ResolveRequest(r *http.Request) (session.Resolved, error) {
	return h.sessions.FromRequest(r, h.now(), h.device(r))
}

// RequireAuth rejects requests without a valid session cookie with 401.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := h.now()
		res, err := h.sessions.FromRequest(r, now, h.device(r))
		if err != nil {
			h.log.Error("auth.require.fail", "err", err)
			writeServerError(w)
			return
		}
		if !res.Authenticated() {
			writeError(w, http.StatusUnauthorized, authv1.CodeUnauthorized, "Authentication required")
			return
		}
		h.extendCookie(w, r, res, now)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, res)))
	})
}

// RequireRole wraps next in RequireAuth and additionally demands role (or higher).
func (h *Handler) RequireRole(role identity.Role, next http.Handler) http.Handler {
	return h.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, _ := FromContext(r.Context())
		if !identity.HasRole(*res.User, role) {
			writeError(w, http.StatusForbidden, authv1.CodeForbidden, "Insufficient permissions")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// RequirePermission wraps next in RequireAuth and additionally demands perm.
func (h *Handler) RequirePermission(perm string, next http.Handler) http.Handler {
	return h.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, _ := FromContext(r.Context())
		if !identity.HasPermission(*res.User, perm) {
			writeError(w, http.StatusForbidden, authv1.CodeForbidden, "Insufficient permissions")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// extendCookie keeps the browser cookie in step with a sliding expiry.
func (h *Handler) extendCookie(w http.ResponseWriter, r *http.Request, res session.Resolved, now time.Time) {
	if !h.sessions.Config().SlidingExpiration {
		return
	}
	if err := h.sessions.Cookies().Extend(w, r, *res.Session, now); err != nil {
		h.log.Warn("auth.cookie.extend.fail", "err", err, "session_id", res.Session.ID)
	}
}
