package session

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"vitalis/cmd/security/token"
)

// Config defines runtime configuration for the session subsystem.
type Config struct {
	// MaxDuration is the lifetime of a session token and of a non-remembered cookie.
	MaxDuration time.Duration
	// RefreshDuration bounds how long a refresh token may be redeemed, and the
	// cookie lifetime when the user asked to be remembered.
	RefreshDuration time.Duration

	MaxConcurrent     int
	TokenBytes        int
	RefreshTokenBytes int

	CookieName     string
	CookieDomain   string
	CookiePath     string
	CookieSecure   bool
	CookieSameSite http.SameSite

	CleanupInterval    time.Duration
	SlidingExpiration  bool
	EnforceFingerprint bool

	// Secret keys token digests, fingerprints and cookie signatures.
	Secret []byte
}

// DefaultConfig returns production defaults without a secret.
func DefaultConfig() Config {
	return Config{
		MaxDuration:       24 * time.Hour,
		RefreshDuration:   7 * 24 * time.Hour,
		MaxConcurrent:     5,
		TokenBytes:        token.DefaultTokenBytes,
		RefreshTokenBytes: token.DefaultTokenBytes,
		CookieName:        "vitalis_session",
		CookiePath:        "/",
		CookieSecure:      true,
		CookieSameSite:    http.SameSiteLaxMode,
		CleanupInterval:   time.Hour,
	}
}

const (
	keyMaxDuration        = "VITALIS_SESSION_MAX_DURATION"
	keyRefreshDuration    = "VITALIS_SESSION_REFRESH_DURATION"
	keyMaxConcurrent      = "VITALIS_SESSION_MAX_CONCURRENT"
	keyTokenBytes         = "VITALIS_SESSION_TOKEN_BYTES"
	keyRefreshTokenBytes  = "VITALIS_SESSION_REFRESH_TOKEN_BYTES"
	keyCookieName         = "VITALIS_SESSION_COOKIE_NAME"
	keyCookieDomain       = "VITALIS_SESSION_COOKIE_DOMAIN"
	keyCookiePath         = "VITALIS_SESSION_COOKIE_PATH"
	keyCookieSecure       = "VITALIS_SESSION_COOKIE_SECURE"
	keyCookieSameSite     = "VITALIS_SESSION_COOKIE_SAMESITE"
	keyCleanupInterval    = "VITALIS_SESSION_CLEANUP_INTERVAL"
	keySlidingExpiration  = "VITALIS_SESSION_SLIDING_EXPIRATION"
	keyEnforceFingerprint = "VITALIS_SESSION_ENFORCE_FINGERPRINT"
)

// LoadConfig reads session settings from v on top of DefaultConfig.
//
// Durations are Go duration strings. The secret comes from
// VITALIS_SESSION_SECRET and must be at least 32 bytes.
// Returns an error wrapping ErrConfig if anything is invalid.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()

	v.SetDefault(keyMaxDuration, cfg.MaxDuration.String())
	v.SetDefault(keyRefreshDuration, cfg.RefreshDuration.String())
	v.SetDefault(keyMaxConcurrent, cfg.MaxConcurrent)
	v.SetDefault(keyTokenBytes, cfg.TokenBytes)
	v.SetDefault(keyRefreshTokenBytes, cfg.RefreshTokenBytes)
	v.SetDefault(keyCookieName, cfg.CookieName)
	v.SetDefault(keyCookiePath, cfg.CookiePath)
	v.SetDefault(keyCookieSecure, cfg.CookieSecure)
	v.SetDefault(keyCookieSameSite, "lax")
	v.SetDefault(keyCleanupInterval, cfg.CleanupInterval.String())

	var err error
	if cfg.MaxDuration, err = duration(v, keyMaxDuration); err != nil {
		return Config{}, err
	}
	if cfg.RefreshDuration, err = duration(v, keyRefreshDuration); err != nil {
		return Config{}, err
	}
	if cfg.CleanupInterval, err = duration(v, keyCleanupInterval); err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrent = v.GetInt(keyMaxConcurrent)
	cfg.TokenBytes = v.GetInt(keyTokenBytes)
	cfg.RefreshTokenBytes = v.GetInt(keyRefreshTokenBytes)
	cfg.CookieName = strings.TrimSpace(v.GetString(keyCookieName))
	cfg.CookieDomain = strings.TrimSpace(v.GetString(keyCookieDomain))
	cfg.CookiePath = strings.TrimSpace(v.GetString(keyCookiePath))
	cfg.CookieSecure = v.GetBool(keyCookieSecure)
	cfg.SlidingExpiration = v.GetBool(keySlidingExpiration)
	cfg.EnforceFingerprint = v.GetBool(keyEnforceFingerprint)

	if cfg.CookieSameSite, err = sameSite(v.GetString(keyCookieSameSite)); err != nil {
		return Config{}, err
	}

	cfg.Secret, err = token.ParseSecret(v.GetString(token.SecretEnvKey), token.MinSecretBytes)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrConfig, token.SecretEnvKey, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	switch {
	case c.MaxDuration <= 0:
		return fmt.Errorf("%w: max duration must be positive", ErrConfig)
	case c.RefreshDuration < c.MaxDuration:
		return fmt.Errorf("%w: refresh duration must be >= max duration", ErrConfig)
	case c.MaxConcurrent < 1:
		return fmt.Errorf("%w: max concurrent sessions must be >= 1", ErrConfig)
	case c.TokenBytes < 32 || c.TokenBytes > 64:
		return fmt.Errorf("%w: token bytes must be in [32..64]", ErrConfig)
	case c.RefreshTokenBytes < 32 || c.RefreshTokenBytes > 64:
		return fmt.Errorf("%w: refresh token bytes must be in [32..64]", ErrConfig)
	case c.CookieName == "" || strings.ContainsAny(c.CookieName, " ;,="):
		return fmt.Errorf("%w: invalid cookie name", ErrConfig)
	case c.CleanupInterval <= 0:
		return fmt.Errorf("%w: cleanup interval must be positive", ErrConfig)
	case len(c.Secret) < token.MinSecretBytes:
		return fmt.Errorf("%w: secret must be at least %d bytes", ErrConfig, token.MinSecretBytes)
	case c.CookieSameSite == http.SameSiteNoneMode && !c.CookieSecure:
		return fmt.Errorf("%w: SameSite=None requires Secure cookies", ErrConfig)
	}
	return nil
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive duration", ErrConfig, key)
	}
	return d, nil
}

func sameSite(s string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lax", "":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("%w: %s must be lax, strict or none", ErrConfig, keyCookieSameSite)
	}
}
