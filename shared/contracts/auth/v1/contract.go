// Package v1 defines the JSON contract of the /api/auth and /api/admin endpoints.
//
// It is shared by the HTTP handlers and the Go client so both sides agree on
// field names and error codes. Keep it free of server dependencies.
package v1

import (
	"encoding/json"
	"time"
)

// ErrorCode is a stable, machine-readable failure class.
type ErrorCode string

const (
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeServerError        ErrorCode = "SERVER_ERROR"
	CodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	CodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	CodeAccountInactive    ErrorCode = "ACCOUNT_INACTIVE"
	CodeTwoFactorRequired  ErrorCode = "TWO_FACTOR_REQUIRED"
	CodeSessionExpired     ErrorCode = "SESSION_EXPIRED"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
)

// Error is the structured failure carried in Response.Error.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// User is the public projection of an account. Password material never appears here.
type User struct {
	ID               string          `json:"id"`
	Email            string          `json:"email"`
	Name             string          `json:"name"`
	Role             string          `json:"role"`
	Status           string          `json:"status"`
	EmailVerified    bool            `json:"emailVerified"`
	TwoFactorEnabled bool            `json:"twoFactorEnabled"`
	CreatedAt        time.Time       `json:"createdAt"`
	Profile          json.RawMessage `json:"profile,omitempty"`
}

// Session describes one active session.
//
// RefreshToken is only present on the responses that issue it (login and
// refresh). The session token itself travels in the cookie only.
type Session struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
	IPAddress        string    `json:"ipAddress,omitempty"`
	UserAgent        string    `json:"userAgent,omitempty"`
	RememberMe       bool      `json:"rememberMe"`
	RefreshToken     string    `json:"refreshToken,omitempty"`
	Current          bool      `json:"current,omitempty"`
}

// Response is the envelope of every endpoint.
type Response struct {
	Success           bool      `json:"success"`
	User              *User     `json:"user,omitempty"`
	Session           *Session  `json:"session,omitempty"`
	Sessions          []Session `json:"sessions,omitempty"`
	Revoked           int       `json:"revoked,omitempty"`
	RequiresTwoFactor bool      `json:"requiresTwoFactor,omitempty"`
	Error             *Error    `json:"error,omitempty"`
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	Password   string `json:"password" validate:"required,max=1024"`
	RememberMe bool   `json:"rememberMe"`
}

// RefreshRequest is the body of POST /api/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required,max=128"`
}
