package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/joenij/connectglobal-dating-app-sub001/cmd/internal/auth"
)

// Run is the CLI entrypoint used by cmd/connectglobal.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run() error {
	// A missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("auth config: %w", err)
	}

	a, err := New(cfg, authCfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}
