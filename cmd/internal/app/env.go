package app

import (
	"github.com/spf13/viper"
)

// NewViper returns a Viper reading envFile (dotenv format) when present,
// with process environment variables taking precedence. A missing file is fine.
func NewViper(envFile string) *viper.Viper {
	v := viper.New()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		_ = v.ReadInConfig()
	}
	v.AutomaticEnv()
	return v
}
