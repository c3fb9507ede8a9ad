package app

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"vitalis/cmd/internal/auth/session"
	"vitalis/cmd/security/token"
)

// loadSessionConfig loads session settings and enforces the secret policy.
//
// Outside dev mode a missing or short VITALIS_SESSION_SECRET is fatal. In dev
// mode an unset secret is replaced by a random one: sessions then do not
// survive a restart and cannot be shared between instances.
func loadSessionConfig(v *viper.Viper, cfg Config, log Logger) (session.Config, error) {
	scfg, err := session.LoadConfig(v)
	if err == nil {
		return scfg, nil
	}
	if !cfg.DevMode || strings.TrimSpace(v.GetString(token.SecretEnvKey)) != "" {
		return session.Config{}, err
	}

	secret, gerr := token.GenerateSecureToken(token.MinSecretBytes)
	if gerr != nil {
		return session.Config{}, fmt.Errorf("generate dev session secret: %w", gerr)
	}
	v.Set(token.SecretEnvKey, secret)
	log.Warn("security.session_secret.ephemeral", "hint", "set "+token.SecretEnvKey+" to keep sessions across restarts")
	return session.LoadConfig(v)
}
