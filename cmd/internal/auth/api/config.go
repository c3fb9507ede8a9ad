package authapi

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config controls auth API behavior and abuse limits.
type Config struct {
	// TrustProxy makes X-Forwarded-For / X-Real-IP authoritative for the client IP.
	TrustProxy   bool
	MaxBodyBytes int64

	LoginMax    int
	LoginWindow time.Duration

	RefreshMax    int
	RefreshWindow time.Duration

	// LimiterKeys caps how many distinct clients each limiter tracks.
	LimiterKeys int
}

// DefaultConfig allows 10 login attempts per IP per minute.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:  64 << 10,
		LoginMax:      10,
		LoginWindow:   time.Minute,
		RefreshMax:    30,
		RefreshWindow: time.Minute,
		LimiterKeys:   100_000,
	}
}

const (
	keyTrustProxy    = "VITALIS_AUTH_TRUST_PROXY"
	keyMaxBodyBytes  = "VITALIS_AUTH_MAX_BODY_BYTES"
	keyLoginMax      = "VITALIS_AUTH_LOGIN_MAX"
	keyLoginWindow   = "VITALIS_AUTH_LOGIN_WINDOW"
	keyRefreshMax    = "VITALIS_AUTH_REFRESH_MAX"
	keyRefreshWindow = "VITALIS_AUTH_REFRESH_WINDOW"
	keyLimiterKeys   = "VITALIS_AUTH_LIMITER_KEYS"
)

// LoadConfig reads auth API settings from v. Missing or non-positive values
// fall back to DefaultConfig.
func LoadConfig(v *viper.Viper) Config {
	def := DefaultConfig()
	cfg := Config{
		TrustProxy:    v.GetBool(keyTrustProxy),
		MaxBodyBytes:  v.GetInt64(keyMaxBodyBytes),
		LoginMax:      v.GetInt(keyLoginMax),
		LoginWindow:   durationOr(v, keyLoginWindow, def.LoginWindow),
		RefreshMax:    v.GetInt(keyRefreshMax),
		RefreshWindow: durationOr(v, keyRefreshWindow, def.RefreshWindow),
		LimiterKeys:   v.GetInt(keyLimiterKeys),
	}

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.LoginMax <= 0 {
		cfg.LoginMax = def.LoginMax
	}
	if cfg.RefreshMax <= 0 {
		cfg.RefreshMax = def.RefreshMax
	}
	if cfg.LimiterKeys <= 0 {
		cfg.LimiterKeys = def.LimiterKeys
	}
	return cfg
}

func durationOr(v *viper.Viper, key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
