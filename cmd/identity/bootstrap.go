package identity

import (
	"context"
	"time"
)

// EnsureBootstrapAdmin creates an active admin with the given credentials unless
// the email is already registered. It reports whether a user was created.
func EnsureBootstrapAdmin(ctx context.Context, dir Directory, email, name, password string, now time.Time) (bool, error) {
	if email == "" || password == "" {
		return false, nil
	}
	_, err := dir.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return false, nil
	case !IsNotFound(err):
		return false, err
	}
	if name == "" {
		name = "Administrator"
	}
	_, err = dir.CreateUser(ctx, CreateUserInput{
		Email:         email,
		Name:          name,
		Password:      password,
		Role:          RoleAdmin,
		Status:        StatusActive,
		EmailVerified: true,
		Now:           now,
	})
	if IsConflict(err) {
		return false, nil
	}
	return err == nil, err
}
