package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rustdash/relay-plane/internal/config"
	"github.com/rustdash/relay-plane/internal/jobs"
	"github.com/rustdash/relay-plane/internal/logging"
	"github.com/rustdash/relay-plane/internal/store"
	"github.com/rustdash/relay-plane/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logging.Fatal().Err(err).Msg("connect db")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logging.Fatal().Err(err).Msg("ping db")
	}

	runner := jobs.NewRunner(store.New(pool), jobs.Config{
		SessionRetention:  cfg.SessionRetention,
		StaleSessionAfter: cfg.StaleSessionAfter,
	})

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddRelayService(supervisor.Func{Name: "jobs-runner", Run: runner.Serve})

	logging.Info().Msg("relay-jobs worker started")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Fatal().Err(err).Msg("supervisor tree stopped")
	}
	logging.Info().Msg("relay-jobs worker stopping")
}
