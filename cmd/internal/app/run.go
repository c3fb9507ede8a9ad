package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the CLI entrypoint used by cmd/vitalis.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run() error {
	v := NewViper(".env")
	cfg, err := LoadConfig(v)
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, v, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
