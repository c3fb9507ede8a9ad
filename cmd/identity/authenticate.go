package identity

import (
	"context"
	"log/slog"
	"time"

	"vitalis/cmd/security/password"
)

// AuthResult is the outcome of a successful credential check.
// When RequiresTwoFactor is set the caller must not create a session yet.
type AuthResult struct {
	User              User
	RequiresTwoFactor bool
}

// Authenticator verifies email/password pairs against a Directory.
type Authenticator struct {
	dir       Directory
	hasher    password.Hasher
	log       *slog.Logger
	dummyHash string
}

// NewAuthenticator precomputes a dummy hash so unknown emails cost the same as wrong passwords.
func NewAuthenticator(dir Directory, hasher password.Hasher, log *slog.Logger) (*Authenticator, error) {
	if log == nil {
		log = slog.Default()
	}
	dummy := hasher
	dummy.Policy = password.Policy{MinLength: 1, MaxLength: 1024}
	h, err := dummy.Hash("vitalis-timing-equalizer-not-a-real-password")
	if err != nil {
		return nil, err
	}
	return &Authenticator{dir: dir, hasher: hasher, log: log, dummyHash: h}, nil
}

// Authenticate checks credentials.
//
// Unknown emails and wrong passwords both return ErrInvalidCredentials.
// Account status is only revealed (ErrNotActive) after the password matched.
func (a *Authenticator) Authenticate(ctx context.Context, email, pw string, now time.Time) (AuthResult, error) {
	const op = "identity.Authenticate"

	ua, err := a.dir.GetUserAuthByEmail(ctx, email)
	if err != nil {
		if !IsNotFound(err) {
			return AuthResult{}, err
		}
		_, _ = a.hasher.Verify(a.dummyHash, pw)
		return AuthResult{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}

	ok, err := a.hasher.Verify(ua.PasswordHash, pw)
	if err != nil {
		a.log.Error("identity.authenticate.bad_hash", "user_id", ua.User.ID, "err", err)
		return AuthResult{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}
	if !ok {
		return AuthResult{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}

	if !ua.User.Active() {
		return AuthResult{}, OpError{Op: op, Kind: ErrNotActive, Msg: string(ua.User.Status)}
	}

	if a.hasher.NeedsRehash(ua.PasswordHash) {
		a.rehash(ctx, ua.User.ID, pw, now)
	}

	return AuthResult{User: ua.User, RequiresTwoFactor: ua.User.TwoFactorEnabled}, nil
}

// Best-effort: a failed upgrade leaves the old hash valid.
func (a *Authenticator) rehash(ctx context.Context, userID, pw string, now time.Time) {
	h := a.hasher
	h.Policy = password.Policy{MinLength: 1, MaxLength: 4096}
	enc, err := h.Hash(pw)
	if err != nil {
		a.log.Warn("identity.authenticate.rehash.fail", "user_id", userID, "err", err)
		return
	}
	if err := a.dir.UpdatePasswordHash(ctx, userID, enc, now); err != nil {
		a.log.Warn("identity.authenticate.rehash.fail", "user_id", userID, "err", err)
		return
	}
	a.log.Info("identity.authenticate.rehash.ok", "user_id", userID)
}
