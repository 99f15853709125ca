package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustdash/relay-plane/internal/logging"
	"github.com/rustdash/relay-plane/internal/metrics"
)

type Store interface {
	CleanupClosedRelaySessions(ctx context.Context, retention time.Duration) error
	CloseStaleRelaySessions(ctx context.Context, after time.Duration) error
}

type Config struct {
	SessionRetention  time.Duration
	StaleSessionAfter time.Duration

	RetentionInterval time.Duration
	StaleInterval     time.Duration
}

type Runner struct {
	store Store
	cfg   Config
	log   zerolog.Logger
}

func NewRunner(store Store, cfg Config) *Runner {
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = time.Hour
	}
	if cfg.StaleInterval <= 0 {
		cfg.StaleInterval = 5 * time.Minute
	}
	return &Runner{store: store, cfg: cfg, log: logging.Component("jobs")}
}

// Serve runs every job once immediately and then on its interval until ctx ends.
func (r *Runner) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.runEvery(ctx, "relay_session_retention", r.cfg.RetentionInterval, func(c context.Context) error {
			return r.store.CleanupClosedRelaySessions(c, r.cfg.SessionRetention)
		})
	}()
	go func() {
		defer wg.Done()
		r.runEvery(ctx, "stale_relay_sessions", r.cfg.StaleInterval, func(c context.Context) error {
			return r.store.CloseStaleRelaySessions(c, r.cfg.StaleSessionAfter)
		})
	}()
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	if err != nil {
		r.log.Error().Err(err).Str("metric", "job_run").Str("name", name).Str("status", "error").Int64("duration_ms", int64(durMs)).Msg("job failed")
		labels["status"] = "error"
	} else {
		r.log.Info().Str("metric", "job_run").Str("name", name).Str("status", "ok").Int64("duration_ms", int64(durMs)).Msg("job finished")
		labels["status"] = "ok"
	}
	metrics.Default().IncCounter("relay_job_runs_total", labels)
	metrics.Default().ObserveHistogram("relay_job_duration_ms", durMs, map[string]string{"job": name})
}

