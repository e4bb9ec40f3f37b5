package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Serve is the entrypoint used by `attend serve`.
// It returns an error instead of calling os.Exit to keep defers effective.
func Serve(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := LoadConfig(ctx)
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
