// Package command forwards dashboard commands to a user's bound game server.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rustdash/relay-plane/internal/apierr"
	"github.com/rustdash/relay-plane/internal/link"
	"github.com/rustdash/relay-plane/internal/logging"
	"github.com/rustdash/relay-plane/internal/metrics"
	"github.com/rustdash/relay-plane/internal/model"
	"github.com/rustdash/relay-plane/internal/store"
)

type Store interface {
	GetServer(ctx context.Context, userID, serverID string) (*model.Server, error)
}

type ActivityRecorder interface {
	Touch(userID string)
}

type Config struct {
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

type Relay struct {
	cfg      Config
	store    Store
	link     link.Adapter
	activity ActivityRecorder
	validate *validator.Validate
	log      zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config, st Store, adapter link.Adapter, activity ActivityRecorder) *Relay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &Relay{
		cfg:      cfg,
		store:    st,
		link:     adapter,
		activity: activity,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logging.Component("command"),
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Execute relays one command on behalf of callerID. The upstream result is
// returned byte for byte. Nothing is persisted.
func (r *Relay) Execute(ctx context.Context, callerID string, req model.CommandRequest) (model.CommandResult, error) {
	start := r.now()
	res, err := r.execute(ctx, callerID, req)
	status := "ok"
	if err != nil {
		status = string(apierr.KindOf(err))
	}
	labels := map[string]string{"command": string(req.Command), "status": status}
	metrics.Default().IncCounter("relay_commands_total", labels)
	metrics.Default().ObserveHistogram("relay_command_latency_ms", float64(r.now().Sub(start).Milliseconds()), labels)

	ev := r.log.Info()
	if err != nil && status != string(apierr.KindBadRequest) && status != string(apierr.KindRateLimited) {
		ev = r.log.Warn().Err(err)
	}
	ev.Str("metric", "command_relay").
		Str("user_id", req.UserID).
		Str("server_id", req.ServerID).
		Str("command", string(req.Command)).
		Str("status", status).
		Int64("duration_ms", r.now().Sub(start).Milliseconds()).
		Msg("command relayed")
	return res, err
}

func (r *Relay) execute(ctx context.Context, callerID string, req model.CommandRequest) (model.CommandResult, error) {
	if callerID == "" || callerID != req.UserID {
		return model.CommandResult{}, apierr.New(apierr.KindUnauthorized, "token does not match userId")
	}
	if req.ServerID == "" {
		return model.CommandResult{}, apierr.New(apierr.KindBadRequest, "serverId is required")
	}
	if err := validatePayload(r.validate, req.Command, req.Payload); err != nil {
		return model.CommandResult{}, apierr.New(apierr.KindBadRequest, err.Error())
	}

	if _, err := r.store.GetServer(ctx, req.UserID, req.ServerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.CommandResult{}, apierr.New(apierr.KindUnauthorized, "server not owned by user")
		}
		return model.CommandResult{}, apierr.Newf(apierr.KindInternal, "lookup server: %v", err)
	}
	if !r.link.Bound(req.ServerID) {
		return model.CommandResult{}, apierr.New(apierr.KindServiceUnavailable, "server is not connected")
	}
	if retryAt, ok := r.allow(req.UserID); !ok {
		return model.CommandResult{}, apierr.RateLimited(retryAt)
	}
	if r.activity != nil {
		r.activity.Touch(req.UserID)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	raw, err := r.link.Execute(callCtx, req)
	if err != nil {
		return model.CommandResult{}, classifyUpstream(err)
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return model.CommandResult{Command: req.Command, ServerID: req.ServerID, Result: raw}, nil
}

func classifyUpstream(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.New(apierr.KindGatewayTimeout, "upstream did not answer in time")
	case errors.Is(err, link.ErrNotBound), errors.Is(err, link.ErrUnavailable):
		return apierr.New(apierr.KindServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return err
	default:
		return apierr.New(apierr.KindUpstreamError, err.Error())
	}
}

// allow takes one token from the user's bucket. When empty it reports the
// earliest time a token will be available.
func (r *Relay) allow(userID string) (time.Time, bool) {
	r.mu.Lock()
	lim, ok := r.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.cfg.RatePerSecond), r.cfg.Burst)
		r.limiters[userID] = lim
	}
	r.mu.Unlock()

	now := r.now()
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return now.Add(time.Second), false
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return now.Add(d), false
	}
	return time.Time{}, true
}

// Forget drops the user's rate limiter.
func (r *Relay) Forget(userID string) {
	r.mu.Lock()
	delete(r.limiters, userID)
	r.mu.Unlock()
}
