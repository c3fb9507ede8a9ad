package realtime

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GatewayConfig controls origin policy, timeouts and per-connection limits.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's own origin verification. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig requires an Origin and only allows localhost.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     5 * time.Second,
		ReadIdleTimeout:  2 * time.Minute,
		SendQueueSize:    16,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

const (
	keyDevInsecure      = "VITALIS_WS_DEV_INSECURE"
	keyOriginRequired   = "VITALIS_WS_ORIGIN_REQUIRED"
	keyAllowedOrigins   = "VITALIS_WS_ALLOWED_ORIGINS"
	keyWriteTimeout     = "VITALIS_WS_WRITE_TIMEOUT"
	keyReadIdleTimeout  = "VITALIS_WS_READ_IDLE_TIMEOUT"
	keySendQueue        = "VITALIS_WS_SEND_QUEUE"
	keyHeartbeatEvery   = "VITALIS_WS_HEARTBEAT_INTERVAL"
	keyHeartbeatTimeout = "VITALIS_WS_HEARTBEAT_TIMEOUT"
	keyRateEvents       = "VITALIS_WS_RATE_EVENTS"
	keyRateWindow       = "VITALIS_WS_RATE_WINDOW"
)

// LoadGatewayConfig reads VITALIS_WS_* keys from v. Invalid values keep the default.
func LoadGatewayConfig(v *viper.Viper) GatewayConfig {
	cfg := DefaultGatewayConfig()

	v.SetDefault(keyOriginRequired, cfg.OriginRequired)
	cfg.DevInsecure = v.GetBool(keyDevInsecure)
	cfg.OriginRequired = v.GetBool(keyOriginRequired)

	if raw := strings.TrimSpace(v.GetString(keyAllowedOrigins)); raw != "" {
		cfg.AllowedOrigins = splitCSV(raw)
	}

	cfg.WriteTimeout = durationOr(v, keyWriteTimeout, cfg.WriteTimeout)
	cfg.ReadIdleTimeout = durationOr(v, keyReadIdleTimeout, cfg.ReadIdleTimeout)
	cfg.HeartbeatEvery = durationOr(v, keyHeartbeatEvery, cfg.HeartbeatEvery)
	cfg.HeartbeatTimeout = durationOr(v, keyHeartbeatTimeout, cfg.HeartbeatTimeout)
	cfg.RateWindow = durationOr(v, keyRateWindow, cfg.RateWindow)

	if n := v.GetInt(keySendQueue); n > 0 {
		cfg.SendQueueSize = n
	}
	if n := v.GetInt(keyRateEvents); n > 0 {
		cfg.RateEvents = n
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

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
