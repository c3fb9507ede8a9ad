package session

import (
	"context"
	"time"
)

// Store persists sessions. It holds no policy: expiry, caps and rotation
// live in Service.
//
// Contract shared by every implementation:
//   - GetBy* return ErrSessionNotFound when nothing matches.
//   - GetByTokenHash and GetByRefreshHash only match active sessions.
//   - Deactivate is idempotent and reports true only for the call that
//     flipped the session from active to inactive. In the same step it
//     drops both digest indexes, so a refresh digest never points at a
//     destroyed session.
//   - ListActiveByUser returns sessions oldest first.
type Store interface {
	Insert(ctx context.Context, s Session) error
	GetByID(ctx context.Context, id string) (Session, error)
	GetByTokenHash(ctx context.Context, digest string) (Session, error)
	GetByRefreshHash(ctx context.Context, digest string) (Session, error)
	ListActiveByUser(ctx context.Context, userID string) ([]Session, error)
	Touch(ctx context.Context, id string, lastActivityAt, expiresAt time.Time) error
	Deactivate(ctx context.Context, id string, now time.Time, reason Reason) (bool, error)
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
	// Purge deletes inactive sessions deactivated before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}
