package identity

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of an account. Only StatusActive may sign in.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
	StatusPending   Status = "pending"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended, StatusPending:
		return true
	}
	return false
}

// User is the Vitalis security principal.
type User struct {
	ID               string          `json:"id"`
	Email            string          `json:"email"`
	Name             string          `json:"name"`
	Role             Role            `json:"role"`
	Status           Status          `json:"status"`
	EmailVerified    bool            `json:"emailVerified"`
	TwoFactorEnabled bool            `json:"twoFactorEnabled"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	Profile          json.RawMessage `json:"profile,omitempty"`
}

// Active reports whether the account may hold sessions.
func (u User) Active() bool { return u.Status == StatusActive }

// UserAuth is a User plus its stored password hash. It never leaves the server.
type UserAuth struct {
	User         User
	PasswordHash string
}

// CreateUserInput describes a new account. Password is plaintext and hashed by the directory.
type CreateUserInput struct {
	Email            string
	Name             string
	Password         string
	Role             Role
	Status           Status
	EmailVerified    bool
	TwoFactorEnabled bool
	Profile          json.RawMessage
	Now              time.Time
}

// Directory is the user persistence boundary.
//
// Lookups return an error matching ErrNotFound for unknown ids or emails.
// Email lookups are case-insensitive.
type Directory interface {
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserAuthByEmail(ctx context.Context, email string) (UserAuth, error)
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	SetStatus(ctx context.Context, id string, status Status, now time.Time) error
	UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) error
}

type normalizedInput struct {
	CreateUserInput
	emailNorm string
}

func normalizeCreate(op string, in CreateUserInput) (normalizedInput, error) {
	in.Email = strings.TrimSpace(in.Email)
	norm := NormalizeEmail(in.Email)
	if !plausibleEmail(norm) {
		return normalizedInput{}, invalid(op, "valid email is required")
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return normalizedInput{}, invalid(op, "name is required")
	}
	if in.Role == RoleUnknown {
		in.Role = RoleClient
	}
	if !in.Role.Valid() {
		return normalizedInput{}, invalid(op, "invalid role")
	}
	if in.Status == "" {
		in.Status = StatusActive
	}
	if !in.Status.Valid() {
		return normalizedInput{}, invalid(op, "invalid status")
	}
	if in.Profile != nil && !json.Valid(in.Profile) {
		return normalizedInput{}, invalid(op, "profile must be valid JSON")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return normalizedInput{CreateUserInput: in, emailNorm: norm}, nil
}
