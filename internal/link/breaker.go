package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/rustdash/relay-plane/internal/logging"
	"github.com/rustdash/relay-plane/internal/model"
)

// Guarded wraps an Adapter's Execute in a circuit breaker. While the breaker
// is open calls fail with ErrUnavailable without reaching the upstream.
type Guarded struct {
	Adapter
	cb *gobreaker.CircuitBreaker[json.RawMessage]
}

func NewGuarded(inner Adapter, failureThreshold uint32, openTimeout time.Duration) *Guarded {
	log := logging.Component("link")
	settings := gobreaker.Settings{
		Name:        "link_execute",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
		// ErrNotBound and caller cancellation do not count as upstream failures.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotBound) || errors.Is(err, context.Canceled)
		},
	}
	return &Guarded{Adapter: inner, cb: gobreaker.NewCircuitBreaker[json.RawMessage](settings)}
}

func (g *Guarded) Execute(ctx context.Context, req model.CommandRequest) (json.RawMessage, error) {
	out, err := g.cb.Execute(func() (json.RawMessage, error) {
		return g.Adapter.Execute(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("execute %s: %w: %v", req.Command, ErrUnavailable, err)
	}
	return out, err
}

func (g *Guarded) State() gobreaker.State {
	return g.cb.State()
}
