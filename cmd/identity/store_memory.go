package identity

import (
	"context"
	"sync"
	"time"

	"vitalis/cmd/identity/ids"
	"vitalis/cmd/security/password"
)

// MemoryDirectory is an in-process Directory indexed by id and normalized email.
// It backs development, tests, and single-node demos.
type MemoryDirectory struct {
	hasher password.Hasher

	mu      sync.RWMutex
	byID    map[string]*memUser
	byEmail map[string]string
}

type memUser struct {
	user User
	hash string
}

var _ Directory = (*MemoryDirectory)(nil)

// NewMemoryDirectory returns an empty directory hashing passwords with hasher.
func NewMemoryDirectory(hasher password.Hasher) *MemoryDirectory {
	return &MemoryDirectory{
		hasher:  hasher,
		byID:    make(map[string]*memUser),
		byEmail: make(map[string]string),
	}
}

func (d *MemoryDirectory) GetUserByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.byID[id]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUserByID", Resource: "user"}
	}
	return cloneUser(u.user), nil
}

func (d *MemoryDirectory) GetUserByEmail(ctx context.Context, email string) (User, error) {
	ua, err := d.lookupEmail(ctx, "identity.GetUserByEmail", email)
	if err != nil {
		return User{}, err
	}
	return ua.User, nil
}

func (d *MemoryDirectory) GetUserAuthByEmail(ctx context.Context, email string) (UserAuth, error) {
	return d.lookupEmail(ctx, "identity.GetUserAuthByEmail", email)
}

func (d *MemoryDirectory) lookupEmail(ctx context.Context, op, email string) (UserAuth, error) {
	if err := ctx.Err(); err != nil {
		return UserAuth{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.byEmail[NormalizeEmail(email)]
	if !ok {
		return UserAuth{}, NotFoundError{Op: op, Resource: "user"}
	}
	u := d.byID[id]
	return UserAuth{User: cloneUser(u.user), PasswordHash: u.hash}, nil
}

func (d *MemoryDirectory) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	n, err := normalizeCreate(op, in)
	if err != nil {
		return User{}, err
	}

	// Hash outside the lock; Argon2id is deliberately slow.
	hash, err := d.hasher.Hash(n.Password)
	if err != nil {
		return User{}, invalid(op, err.Error())
	}
	id, err := ids.NewULID(n.Now)
	if err != nil {
		return User{}, err
	}

	u := User{
		ID:               id,
		Email:            n.Email,
		Name:             n.Name,
		Role:             n.Role,
		Status:           n.Status,
		EmailVerified:    n.EmailVerified,
		TwoFactorEnabled: n.TwoFactorEnabled,
		CreatedAt:        n.Now,
		UpdatedAt:        n.Now,
		Profile:          n.Profile,
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, taken := d.byEmail[n.emailNorm]; taken {
		return User{}, ConflictError{Op: op, Field: "email"}
	}
	d.byID[id] = &memUser{user: cloneUser(u), hash: hash}
	d.byEmail[n.emailNorm] = id
	return u, nil
}

func (d *MemoryDirectory) SetStatus(ctx context.Context, id string, status Status, now time.Time) error {
	const op = "identity.SetStatus"
	if !status.Valid() {
		return invalid(op, "invalid status")
	}
	return d.update(ctx, op, id, now, func(m *memUser) { m.user.Status = status })
}

func (d *MemoryDirectory) UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) error {
	const op = "identity.UpdatePasswordHash"
	if hash == "" {
		return invalid(op, "empty hash")
	}
	return d.update(ctx, op, id, now, func(m *memUser) { m.hash = hash })
}

func (d *MemoryDirectory) update(ctx context.Context, op, id string, now time.Time, fn func(*memUser)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.byID[id]
	if !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	fn(m)
	if now.IsZero() {
		now = time.Now().UTC()
	}
	m.user.UpdatedAt = now
	return nil
}

func cloneUser(u User) User {
	if u.Profile != nil {
		u.Profile = append([]byte(nil), u.Profile...)
	}
	return u
}
