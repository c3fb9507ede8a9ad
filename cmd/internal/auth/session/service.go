package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"vitalis/cmd/identity"
	"vitalis/cmd/identity/ids"
	"vitalis/cmd/security/token"
)

// Service implements the session lifecycle on top of a Store.
//
// Expected negatives (malformed, unknown, expired or inactive sessions)
// are reported as a zero Resolved with a nil error. Errors are reserved
// for storage and lookup failures.
type Service struct {
	cfg       Config
	store     Store
	users     UserLookup
	hasher    token.Hasher
	cookies   *Cookies
	log       *slog.Logger
	notifiers []Notifier

	// createMu serializes evict-then-insert so the per-user cap holds in-process.
	createMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithNotifier registers a lifecycle event subscriber.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifiers = append(s.notifiers, n)
		}
	}
}

// NewService validates cfg and constructs a Service.
func NewService(cfg Config, store Store, users UserLookup, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || users == nil {
		return nil, fmt.Errorf("%w: store and user lookup are required", ErrConfig)
	}
	hasher, err := token.NewHasher(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	s := &Service{
		cfg:     cfg,
		store:   store,
		users:   users,
		hasher:  hasher,
		cookies: NewCookies(cfg),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the active configuration.
func (s *Service) Config() Config { return s.cfg }

// Cookies returns the cookie codec bound to this service.
func (s *Service) Cookies() *Cookies { return s.cookies }

// CreateSession issues a new session for u.
//
// When the user already holds MaxConcurrent active sessions, the oldest are
// destroyed until there is room. The returned value is the only place the
// plaintext tokens appear.
func (s *Service) CreateSession(ctx context.Context, now time.Time, u identity.User, dev DeviceContext) (Session, error) {
	if u.ID == "" {
		return Session{}, fmt.Errorf("session: create: empty user id")
	}
	if !u.Active() {
		return Session{}, ErrUserInactive
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	active, err := s.store.ListActiveByUser(ctx, u.ID)
	if err != nil {
		return Session{}, fmt.Errorf("session: list active: %w", err)
	}
	for len(active) >= s.cfg.MaxConcurrent {
		oldest := active[0]
		active = active[1:]
		if _, err := s.deactivate(ctx, now, oldest, ReasonEvicted); err != nil {
			return Session{}, err
		}
	}

	// 256-bit collisions are not expected; a bounded retry keeps Insert's
	// uniqueness error from ever surfacing as a login failure.
	for attempt := 0; ; attempt++ {
		sess, err := s.newSession(now, u.ID, dev)
		if err != nil {
			return Session{}, err
		}
		err = s.store.Insert(ctx, sess)
		if errors.Is(err, ErrDuplicate) && attempt < 2 {
			continue
		}
		if err != nil {
			return Session{}, fmt.Errorf("session: insert: %w", err)
		}
		s.publish(ctx, Event{Kind: EventCreated, SessionID: sess.ID, UserID: u.ID, At: now})
		return sess, nil
	}
}

func (s *Service) newSession(now time.Time, userID string, dev DeviceContext) (Session, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return Session{}, err
	}
	tok, err := token.GenerateSecureToken(s.cfg.TokenBytes)
	if err != nil {
		return Session{}, err
	}
	ref, err := token.GenerateSecureToken(s.cfg.RefreshTokenBytes)
	if err != nil {
		return Session{}, err
	}

	sess := Session{
		ID:               id,
		UserID:           userID,
		Token:            tok,
		RefreshToken:     ref,
		TokenHash:        s.hasher.Digest(tok),
		RefreshTokenHash: s.hasher.Digest(ref),
		ExpiresAt:        now.Add(s.cfg.MaxDuration),
		RefreshExpiresAt: now.Add(s.cfg.RefreshDuration),
		CreatedAt:        now,
		LastActivityAt:   now,
		UserAgent:        dev.UserAgent,
		RememberMe:       dev.RememberMe,
		IsActive:         true,
	}
	if dev.IP != nil {
		sess.IPAddress = dev.IP.String()
	}
	sess.Fingerprint = s.CreateSessionFingerprint(dev.UserAgent, dev.IP)
	return sess, nil
}

// GetSession resolves a session token.
//
// Malformed, unknown, inactive and expired tokens all yield a zero Resolved.
// An expired session is destroyed as a side effect. On success the
// session's last activity is updated.
func (s *Service) GetSession(ctx context.Context, now time.Time, tok string) (Resolved, error) {
	if !token.IsValidSessionToken(tok) {
		return Resolved{}, nil
	}
	sess, err := s.store.GetByTokenHash(ctx, s.hasher.Digest(tok))
	if errors.Is(err, ErrSessionNotFound) {
		return Resolved{}, nil
	}
	if err != nil {
		return Resolved{}, fmt.Errorf("session: lookup: %w", err)
	}
	if !sess.IsActive {
		return Resolved{}, nil
	}
	if sess.Expired(now) {
		if _, err := s.deactivate(ctx, now, sess, ReasonExpired); err != nil {
			return Resolved{}, err
		}
		return Resolved{}, nil
	}

	u, ok, err := s.owner(ctx, now, sess)
	if err != nil || !ok {
		return Resolved{}, err
	}

	sess.LastActivityAt = now
	if s.cfg.SlidingExpiration {
		sess.ExpiresAt = minTime(now.Add(s.cfg.MaxDuration), sess.RefreshExpiresAt)
	}
	if err := s.store.Touch(ctx, sess.ID, sess.LastActivityAt, sess.ExpiresAt); err != nil {
		s.log.Warn("session.touch.fail", "session_id", sess.ID, "err", err)
	}
	return Resolved{Session: &sess, User: &u}, nil
}

// FromRequest resolves the session named by the request cookie.
// When fingerprint enforcement is enabled, a session presented from a
// different user agent or IP is destroyed and rejected.
func (s *Service) FromRequest(r *http.Request, now time.Time, dev DeviceContext) (Resolved, error) {
	tok, ok := s.cookies.Token(r)
	if !ok {
		return Resolved{}, nil
	}
	res, err := s.GetSession(r.Context(), now, tok)
	if err != nil || !res.Authenticated() {
		return res, err
	}
	if !s.fingerprintOK(*res.Session, dev) {
		if _, err := s.deactivate(r.Context(), now, *res.Session, ReasonFingerprint); err != nil {
			return Resolved{}, err
		}
		return Resolved{}, nil
	}
	return res, nil
}

// RefreshSession redeems a refresh token and rotates the session.
//
// The old session is destroyed and a new one with a new id and new tokens
// is issued for the same user. Only one of several concurrent redemptions
// of the same token can succeed. A refresh token past its own validity
// window destroys its session.
func (s *Service) RefreshSession(ctx context.Context, now time.Time, refreshTok string, dev DeviceContext) (Resolved, error) {
	if !token.IsValidRefreshToken(refreshTok) {
		return Resolved{}, nil
	}
	old, err := s.store.GetByRefreshHash(ctx, s.hasher.Digest(refreshTok))
	if errors.Is(err, ErrSessionNotFound) {
		return Resolved{}, nil
	}
	if err != nil {
		return Resolved{}, fmt.Errorf("session: refresh lookup: %w", err)
	}
	if !old.IsActive {
		return Resolved{}, nil
	}
	if !now.Before(old.RefreshExpiresAt) {
		if _, err := s.deactivate(ctx, now, old, ReasonRefreshExpired); err != nil {
			return Resolved{}, err
		}
		return Resolved{}, nil
	}
	if !s.fingerprintOK(old, dev) {
		if _, err := s.deactivate(ctx, now, old, ReasonFingerprint); err != nil {
			return Resolved{}, err
		}
		return Resolved{}, nil
	}

	u, ok, err := s.owner(ctx, now, old)
	if err != nil || !ok {
		return Resolved{}, err
	}

	// The destroyed event is held back until the successor exists so
	// observers can follow the rotation.
	won, err := s.store.Deactivate(ctx, old.ID, now, ReasonRotated)
	if err != nil {
		return Resolved{}, fmt.Errorf("session: deactivate: %w", err)
	}
	if !won {
		s.log.Warn("session.refresh.race_lost", "session_id", old.ID, "user_id", old.UserID)
		return Resolved{}, nil
	}
	rotated := Event{Kind: EventDestroyed, SessionID: old.ID, UserID: old.UserID, Reason: ReasonRotated, At: now}

	if dev.IP == nil {
		dev.IP = net.ParseIP(old.IPAddress)
	}
	if dev.UserAgent == "" {
		dev.UserAgent = old.UserAgent
	}
	dev.RememberMe = old.RememberMe

	next, err := s.CreateSession(ctx, now, u, dev)
	if err != nil {
		s.publish(ctx, rotated)
		return Resolved{}, err
	}
	rotated.ReplacedBy = next.ID
	s.publish(ctx, rotated)
	return Resolved{Session: &next, User: &u}, nil
}

// DestroySession deactivates a session. Unknown or already inactive ids are a no-op.
func (s *Service) DestroySession(ctx context.Context, now time.Time, id string, reason Reason) error {
	sess, err := s.store.GetByID(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("session: destroy lookup: %w", err)
	}
	_, err = s.deactivate(ctx, now, sess, reason)
	return err
}

// DestroyAllUserSessions deactivates every active session of userID and reports how many.
func (s *Service) DestroyAllUserSessions(ctx context.Context, now time.Time, userID string, reason Reason) (int, error) {
	active, err := s.store.ListActiveByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("session: list active: %w", err)
	}
	n := 0
	for _, sess := range active {
		won, err := s.deactivate(ctx, now, sess, reason)
		if err != nil {
			return n, err
		}
		if won {
			n++
		}
	}
	return n, nil
}

// ListUserSessions returns the active sessions of userID, oldest first.
func (s *Service) ListUserSessions(ctx context.Context, userID string) ([]Session, error) {
	return s.store.ListActiveByUser(ctx, userID)
}

// CleanupExpiredSessions deactivates every active session whose lifetime
// ended before now, then purges records inactive for longer than the
// refresh window. It returns the number of sessions deactivated.
func (s *Service) CleanupExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("session: list expired: %w", err)
	}
	n := 0
	for _, id := range expired {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		sess, err := s.store.GetByID(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("session: cleanup lookup %s: %w", id, err)
		}
		won, err := s.deactivate(ctx, now, sess, ReasonExpired)
		if err != nil {
			return n, err
		}
		if won {
			n++
		}
	}
	if _, err := s.store.Purge(ctx, now.Add(-s.cfg.RefreshDuration)); err != nil {
		return n, fmt.Errorf("session: purge: %w", err)
	}
	return n, nil
}

// owner loads the session's user. Sessions of missing or non-active users are destroyed.
func (s *Service) owner(ctx context.Context, now time.Time, sess Session) (identity.User, bool, error) {
	u, err := s.users.GetUserByID(ctx, sess.UserID)
	if err != nil && !identity.IsNotFound(err) {
		return identity.User{}, false, fmt.Errorf("session: user lookup: %w", err)
	}
	if err != nil || !u.Active() {
		if _, err := s.deactivate(ctx, now, sess, ReasonUserInactive); err != nil {
			return identity.User{}, false, err
		}
		return identity.User{}, false, nil
	}
	return u, true, nil
}

func (s *Service) deactivate(ctx context.Context, now time.Time, sess Session, reason Reason) (bool, error) {
	won, err := s.store.Deactivate(ctx, sess.ID, now, reason)
	if err != nil {
		return false, fmt.Errorf("session: deactivate: %w", err)
	}
	if won {
		s.publish(ctx, Event{Kind: EventDestroyed, SessionID: sess.ID, UserID: sess.UserID, Reason: reason, At: now})
	}
	return won, nil
}

func (s *Service) publish(ctx context.Context, ev Event) {
	for _, n := range s.notifiers {
		n.SessionEvent(ctx, ev)
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
