package session

import (
	"context"
	"net"
	"time"

	"vitalis/cmd/identity"
)

// Session is one authenticated browser or device.
//
// Token and RefreshToken are plaintext and only populated on the value
// returned when the session is issued. Stores keep TokenHash and
// RefreshTokenHash, which are cleared when the session is deactivated.
type Session struct {
	ID     string
	UserID string

	Token            string
	RefreshToken     string
	TokenHash        string
	RefreshTokenHash string

	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	CreatedAt        time.Time
	LastActivityAt   time.Time

	IPAddress   string
	UserAgent   string
	Fingerprint string
	RememberMe  bool

	IsActive           bool
	DeactivatedAt      *time.Time
	DeactivationReason Reason
}

// Expired reports whether the session lifetime has ended at now.
func (s Session) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// DeviceContext describes the client that owns or presents a session.
type DeviceContext struct {
	IP         net.IP
	UserAgent  string
	RememberMe bool
}

// Resolved is a validated session and its user. The zero value means "no session".
type Resolved struct {
	Session *Session
	User    *identity.User
}

// Authenticated reports whether both halves are present.
func (r Resolved) Authenticated() bool { return r.Session != nil && r.User != nil }

// Reason records why a session stopped being active.
type Reason string

const (
	ReasonLogout         Reason = "logout"
	ReasonLogoutAll      Reason = "logout_all"
	ReasonEvicted        Reason = "evicted"
	ReasonExpired        Reason = "expired"
	ReasonRotated        Reason = "rotated"
	ReasonRefreshExpired Reason = "refresh_expired"
	ReasonUserInactive   Reason = "user_inactive"
	ReasonFingerprint    Reason = "fingerprint_mismatch"
	ReasonAdminRevoked   Reason = "admin_revoked"
)

// EventKind distinguishes lifecycle events.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventDestroyed EventKind = "destroyed"
)

// Event is published after a session is created or deactivated.
type Event struct {
	Kind      EventKind
	SessionID string
	UserID    string
	Reason    Reason
	At        time.Time

	// ReplacedBy is the successor session id when Reason is ReasonRotated
	// and the successor was issued.
	ReplacedBy string
}

// Notifier receives lifecycle events. Implementations must not block.
type Notifier interface {
	SessionEvent(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

func (f NotifierFunc) SessionEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// UserLookup resolves the owner of a session.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (identity.User, error)
}
