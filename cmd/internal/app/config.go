package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrConfig is wrapped by every configuration error returned by LoadConfig.
var ErrConfig = errors.New("invalid configuration")

// Session store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config contains process-level runtime configuration. Subsystems load their
// own settings (session.LoadConfig, authapi.LoadConfig, realtime.LoadGatewayConfig).
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool

	SessionBackend string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisPrefix    string
	RedisTLS       bool

	// If true, /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool

	// DevMode permits an ephemeral session secret when none is configured.
	DevMode bool

	BootstrapAdminEmail    string
	BootstrapAdminName     string
	BootstrapAdminPassword string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	MetricsEnabled bool
}

const (
	keyHTTPAddr          = "VITALIS_HTTP_ADDR"
	keyLogLevel          = "VITALIS_LOG_LEVEL"
	keyLogFormat         = "VITALIS_LOG_FORMAT"
	keyReadHeaderTimeout = "VITALIS_HTTP_READ_HEADER_TIMEOUT"
	keyReadTimeout       = "VITALIS_HTTP_READ_TIMEOUT"
	keyWriteTimeout      = "VITALIS_HTTP_WRITE_TIMEOUT"
	keyIdleTimeout       = "VITALIS_HTTP_IDLE_TIMEOUT"
	keyMaxHeaderBytes    = "VITALIS_HTTP_MAX_HEADER_BYTES"
	keyDatabaseURL       = "VITALIS_DATABASE_URL"
	keyDBMaxConns        = "VITALIS_DB_MAX_CONNS"
	keyDBMinConns        = "VITALIS_DB_MIN_CONNS"
	keyDBSchema          = "VITALIS_DB_SCHEMA"
	keyDBAutoMigrate     = "VITALIS_DB_AUTO_MIGRATE"
	keySessionBackend    = "VITALIS_SESSION_BACKEND"
	keyRedisAddr         = "VITALIS_REDIS_ADDR"
	keyRedisPassword     = "VITALIS_REDIS_PASSWORD"
	keyRedisDB           = "VITALIS_REDIS_DB"
	keyRedisPrefix       = "VITALIS_REDIS_PREFIX"
	keyRedisTLS          = "VITALIS_REDIS_TLS"
	keyReadinessDB       = "VITALIS_READINESS_REQUIRE_DB"
	keyDevMode           = "VITALIS_DEV"
	keyAdminEmail        = "VITALIS_BOOTSTRAP_ADMIN_EMAIL"
	keyAdminName         = "VITALIS_BOOTSTRAP_ADMIN_NAME"
	keyAdminPassword     = "VITALIS_BOOTSTRAP_ADMIN_PASSWORD"
	keyCORSOrigins       = "VITALIS_CORS_ALLOWED_ORIGINS"
	keyCORSCredentials   = "VITALIS_CORS_ALLOW_CREDENTIALS"
	keyCORSMaxAge        = "VITALIS_CORS_MAX_AGE_SECONDS"
	keyMetricsEnabled    = "VITALIS_METRICS_ENABLED"
)

// LoadConfig reads Config from v with defaults.
func LoadConfig(v *viper.Viper) (Config, error) {
	v.SetDefault(keyHTTPAddr, "0.0.0.0:8080")
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogFormat, "json")
	v.SetDefault(keyReadHeaderTimeout, "5s")
	v.SetDefault(keyReadTimeout, "15s")
	v.SetDefault(keyWriteTimeout, "15s")
	v.SetDefault(keyIdleTimeout, "60s")
	v.SetDefault(keyMaxHeaderBytes, 1<<20)
	v.SetDefault(keyDBMaxConns, 10)
	v.SetDefault(keyDBSchema, "public")
	v.SetDefault(keySessionBackend, "")
	v.SetDefault(keyRedisPrefix, "vitalis:session:")
	v.SetDefault(keyCORSMaxAge, 600)
	v.SetDefault(keyMetricsEnabled, true)

	cfg := Config{
		HTTPAddr:  strings.TrimSpace(v.GetString(keyHTTPAddr)),
		LogLevel:  strings.TrimSpace(v.GetString(keyLogLevel)),
		LogFormat: strings.ToLower(strings.TrimSpace(v.GetString(keyLogFormat))),

		ReadHeaderTimeout: positiveDuration(v, keyReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       positiveDuration(v, keyReadTimeout, 15*time.Second),
		WriteTimeout:      positiveDuration(v, keyWriteTimeout, 15*time.Second),
		IdleTimeout:       positiveDuration(v, keyIdleTimeout, 60*time.Second),
		MaxHeaderBytes:    v.GetInt(keyMaxHeaderBytes),

		DatabaseURL:   strings.TrimSpace(v.GetString(keyDatabaseURL)),
		DBMaxConns:    v.GetInt32(keyDBMaxConns),
		DBMinConns:    v.GetInt32(keyDBMinConns),
		DBSchema:      strings.TrimSpace(v.GetString(keyDBSchema)),
		DBAutoMigrate: v.GetBool(keyDBAutoMigrate),

		SessionBackend: strings.ToLower(strings.TrimSpace(v.GetString(keySessionBackend))),
		RedisAddr:      strings.TrimSpace(v.GetString(keyRedisAddr)),
		RedisPassword:  v.GetString(keyRedisPassword),
		RedisDB:        v.GetInt(keyRedisDB),
		RedisPrefix:    v.GetString(keyRedisPrefix),
		RedisTLS:       v.GetBool(keyRedisTLS),

		ReadinessRequireDB: v.GetBool(keyReadinessDB),
		DevMode:            v.GetBool(keyDevMode),

		BootstrapAdminEmail:    strings.TrimSpace(v.GetString(keyAdminEmail)),
		BootstrapAdminName:     strings.TrimSpace(v.GetString(keyAdminName)),
		BootstrapAdminPassword: v.GetString(keyAdminPassword),

		CORSAllowedOrigins:   splitCSV(v.GetString(keyCORSOrigins)),
		CORSAllowCredentials: v.GetBool(keyCORSCredentials),
		CORSMaxAgeSeconds:    v.GetInt(keyCORSMaxAge),

		MetricsEnabled: v.GetBool(keyMetricsEnabled),
	}

	// Postgres when a database is configured, memory otherwise.
	if cfg.SessionBackend == "" {
		cfg.SessionBackend = BackendMemory
		if cfg.DatabaseURL != "" {
			cfg.SessionBackend = BackendPostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	switch c.SessionBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: %s=postgres requires %s", ErrConfig, keySessionBackend, keyDatabaseURL)
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: %s=redis requires %s", ErrConfig, keySessionBackend, keyRedisAddr)
		}
	default:
		return fmt.Errorf("%w: %s must be memory, postgres or redis, got %q", ErrConfig, keySessionBackend, c.SessionBackend)
	}

	switch {
	case c.HTTPAddr == "":
		return fmt.Errorf("%w: %s is empty", ErrConfig, keyHTTPAddr)
	case c.LogFormat != "json" && c.LogFormat != "pretty":
		return fmt.Errorf("%w: %s must be json or pretty", ErrConfig, keyLogFormat)
	case c.DBMinConns < 0 || c.DBMaxConns < 0:
		return fmt.Errorf("%w: pool sizes must not be negative", ErrConfig)
	case c.BootstrapAdminEmail != "" && len(c.BootstrapAdminPassword) < 12:
		return fmt.Errorf("%w: %s must be at least 12 characters", ErrConfig, keyAdminPassword)
	}
	return nil
}

func positiveDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
