package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rustdash/relay-plane/internal/logging"
	"github.com/rustdash/relay-plane/internal/metrics"
)

// handshakeError carries the HTTP status of a rejected websocket upgrade.
type handshakeError struct {
	Status int
	Err    error
}

func (e *handshakeError) Error() string {
	return fmt.Sprintf("link handshake status %d: %v", e.Status, e.Err)
}

func (e *handshakeError) Unwrap() error { return e.Err }

const maxLinkRetries = 3

// newLinkBackOff yields 250ms, 500ms, 1s with +/-50% jitter, then Stop.
func newLinkBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 250 * time.Millisecond
	exp.MaxInterval = 2 * time.Second
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.5
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, maxLinkRetries)
}

// retryLink runs fn until it succeeds, fails permanently or the retry budget
// is spent. Only transient link errors are retried.
func retryLink(ctx context.Context, opName string, fn func(context.Context) error) error {
	log := logging.Component("link")
	op := func() error {
		err := fn(ctx)
		if err != nil && !isTransientLinkError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		metrics.Default().IncCounter("relay_link_retries_total", map[string]string{"op": opName})
		log.Warn().Str("op", opName).Int64("delay_ms", delay.Milliseconds()).Err(err).Msg("link retry")
	}
	return backoff.RetryNotify(op, backoff.WithContext(newLinkBackOff(), ctx), notify)
}

func isTransientLinkError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var hs *handshakeError
	if errors.As(err, &hs) {
		return hs.Status >= http.StatusInternalServerError || hs.Status == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
