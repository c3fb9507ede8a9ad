package authapi

import (
	"vitalis/cmd/identity"
	"vitalis/cmd/internal/auth/session"
	authv1 "vitalis/shared/contracts/auth/v1"
)

func toUserResponse(u identity.User) *authv1.User {
	return &authv1.User{
		ID:               u.ID,
		Email:            u.Email,
		Name:             u.Name,
		Role:             u.Role.String(),
		Status:           string(u.Status),
		EmailVerified:    u.EmailVerified,
		TwoFactorEnabled: u.TwoFactorEnabled,
		CreatedAt:        u.CreatedAt,
		Profile:          u.Profile,
	}
}

// toSessionResponse never copies the session token; it lives in the cookie.
func toSessionResponse(s session.Session, withRefresh bool) authv1.Session {
	out := authv1.Session{
		ID:               s.ID,
		UserID:           s.UserID,
		ExpiresAt:        s.ExpiresAt,
		RefreshExpiresAt: s.RefreshExpiresAt,
		CreatedAt:        s.CreatedAt,
		LastActivityAt:   s.LastActivityAt,
		IPAddress:        s.IPAddress,
		UserAgent:        s.UserAgent,
		RememberMe:       s.RememberMe,
	}
	if withRefresh {
		out.RefreshToken = s.RefreshToken
	}
	return out
}
