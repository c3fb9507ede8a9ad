package authclient

import (
	authv1 "vitalis/shared/contracts/auth/v1"
)

// State is a snapshot of the client's view of authentication.
type State struct {
	User              *authv1.User
	Session           *authv1.Session
	IsLoading         bool
	RequiresTwoFactor bool
	Error             *authv1.Error
}

// Authenticated reports whether both a user and a session are held.
func (s State) Authenticated() bool { return s.User != nil && s.Session != nil }

// Credentials is the input of Login.
type Credentials struct {
	Email      string
	Password   string
	RememberMe bool
}

// Result is what every Controller call resolves to.
type Result struct {
	Success           bool
	RequiresTwoFactor bool
	Error             *authv1.Error
	// Revoked is set by LogoutAll.
	Revoked int
}

func (s State) clone() State {
	out := s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	if s.Session != nil {
		sess := *s.Session
		sess.RefreshToken = ""
		out.Session = &sess
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	return out
}

func apiError(code authv1.ErrorCode, msg string) *authv1.Error {
	return &authv1.Error{Code: code, Message: msg}
}

func networkError() *authv1.Error {
	return apiError(authv1.CodeServerError, "Network request failed")
}
