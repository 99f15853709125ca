package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rustdash/relay-plane/internal/api"
	"github.com/rustdash/relay-plane/internal/command"
	"github.com/rustdash/relay-plane/internal/config"
	"github.com/rustdash/relay-plane/internal/hub"
	"github.com/rustdash/relay-plane/internal/inactivity"
	"github.com/rustdash/relay-plane/internal/ingest"
	"github.com/rustdash/relay-plane/internal/link"
	"github.com/rustdash/relay-plane/internal/logging"
	"github.com/rustdash/relay-plane/internal/model"
	"github.com/rustdash/relay-plane/internal/store"
	"github.com/rustdash/relay-plane/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logConfig(cfg))

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

	st := store.New(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		logging.Fatal().Err(err).Msg("ensure schema")
	}
	if err := st.CloseOpenRelaySessions(ctx, model.CloseRestart); err != nil {
		logging.Fatal().Err(err).Msg("close relay sessions left by previous process")
	}

	h := hub.New(hub.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		Buffer:            cfg.StreamBuffer,
		DrainTimeout:      cfg.DrainTimeout,
	})

	adapter, ws, err := buildLinkAdapter(cfg, h)
	if err != nil {
		logging.Fatal().Err(err).Msg("init link adapter")
	}
	guarded := link.NewGuarded(adapter, uint32(cfg.BreakerFailureThreshold), cfg.BreakerOpenTimeout)

	var relay *command.Relay
	monitor := inactivity.New(inactivity.Config{
		IdleThreshold: cfg.IdleThreshold,
		Countdown:     cfg.CountdownSeconds,
		Tick:          cfg.MonitorTick,
	}, inactivity.Deps{
		Events:      h,
		Streams:     h,
		Links:       guarded,
		OnTerminate: func(userID string) { relay.Forget(userID) },
	})
	relay = command.New(command.Config{
		Timeout:       cfg.CommandTimeout,
		RatePerSecond: cfg.CommandRatePerSecond,
		Burst:         cfg.CommandBurst,
	}, st, guarded, monitor)

	handler := api.NewRouter(cfg, api.Deps{
		Store:    st,
		Hub:      h,
		Commands: relay,
		Monitor:  monitor,
		Link:     guarded,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// WriteTimeout stays zero; event streams write for as long as the client listens.
		IdleTimeout: 60 * time.Second,
	}
	srv.RegisterOnShutdown(h.Shutdown)

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddRelayService(supervisor.Func{Name: "hub-heartbeat", Run: h.Serve})
	tree.AddRelayService(supervisor.Func{Name: "inactivity-monitor", Run: monitor.Serve})
	if ws != nil {
		tree.AddRelayService(supervisor.Func{Name: "link-bridge", Run: ws.Serve})
	}
	if cfg.RedisURL != "" {
		rdb, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			logging.Fatal().Err(err).Msg("init redis")
		}
		defer rdb.Close()
		tree.AddRelayService(supervisor.Func{
			Name: "redis-ingest",
			Run:  ingest.NewRedisIngest(rdb, cfg.RedisChannelPattern, h).Serve,
		})
	}
	tree.AddAPIService(supervisor.NewHTTPService(srv, 10*time.Second))

	logging.Info().Str("addr", cfg.ListenAddr).Str("link_provider", cfg.LinkProvider).Msg("relay-plane listening")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Fatal().Err(err).Msg("supervisor tree stopped")
	}
	logging.Info().Msg("relay-plane stopped")
}

func logConfig(cfg config.Config) logging.Config {
	return logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	}
}

// buildLinkAdapter returns the configured adapter and, for the websocket
// provider, the bridge that must be supervised.
func buildLinkAdapter(cfg config.Config, sink link.EventSink) (link.Adapter, *link.WSAdapter, error) {
	switch cfg.LinkProvider {
	case "ws":
		ws, err := link.NewWSAdapter(link.WSConfig{
			URL:            cfg.LinkURL,
			SharedKey:      cfg.LinkSharedKey,
			RequestTimeout: cfg.CommandTimeout,
		}, sink)
		if err != nil {
			return nil, nil, err
		}
		return ws, ws, nil
	case "fake", "":
		return link.NewFakeAdapter(sink), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown link provider %q", cfg.LinkProvider)
	}
}

func newRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
