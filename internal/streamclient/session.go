// Package streamclient is the dashboard side of the event relay: it keeps one
// event stream open, reconnecting with exponential backoff, and hands decoded
// events to listeners through a Bus.
package streamclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	gojson "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/rustdash/relay-plane/internal/apierr"
	"github.com/rustdash/relay-plane/internal/logging"
	"github.com/rustdash/relay-plane/internal/model"
)

var (
	ErrWatchdog     = errors.New("no events before watchdog timeout")
	errStreamEnded  = apierr.New(apierr.KindStreamClosed, "event stream ended")
	errMaxReconnect = apierr.New(apierr.KindMaxReconnectExceeded, "reconnect attempts exhausted")
)

type Options struct {
	BaseURL  string
	UserID   string
	Token    string
	ServerID string
	// HTTPClient must not set a Timeout; streams are long-lived.
	HTTPClient *http.Client

	WatchdogTimeout time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	// MaxAttempts is the number of reconnect attempts after the initial one.
	MaxAttempts int

	// OnStateChange runs on the session goroutine for every transition and
	// must not call Disconnect or Reconnect.
	OnStateChange func(from, to model.ConnState, err error)
}

type Session struct {
	opts Options
	bus  *Bus
	log  zerolog.Logger

	mu     sync.Mutex
	state  model.ConnState
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Session {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.WatchdogTimeout <= 0 {
		opts.WatchdogTimeout = 45 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Session{
		opts:  opts,
		bus:   NewBus(),
		log:   logging.Component("streamclient").With().Str("user_id", opts.UserID).Logger(),
		state: model.StateIdle,
	}
}

func (s *Session) Bus() *Bus { return s.bus }

func (s *Session) State() model.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the reason for the last offline transition, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the current run ends, either offline or disconnected.
// It is nil before the first Connect.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Connect starts the session goroutine. It is a no-op while one is running.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			s.mu.Unlock()
			return
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	s.setState(model.StateConnecting, nil)
	go func() {
		defer close(done)
		s.run(runCtx)
	}()
}

// Disconnect stops the session goroutine and waits for it to exit.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.setState(model.StateIdle, nil)
}

// Reconnect restarts the session with a fresh attempt budget. It is the only
// way out of offline.
func (s *Session) Reconnect(ctx context.Context) {
	s.Disconnect()
	s.Connect(ctx)
}

func (s *Session) setState(to model.ConnState, err error) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	if to == model.StateOffline {
		s.err = err
	} else if to == model.StateConnecting || to == model.StateIdle {
		s.err = nil
	}
	s.mu.Unlock()

	ev := s.log.Info()
	if to == model.StateOffline {
		ev = s.log.Warn().Err(err)
	}
	ev.Str("from", string(from)).Str("to", string(to)).Msg("stream state changed")
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(from, to, err)
	}
}

func (s *Session) newBackoff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.opts.InitialBackoff
	exp.MaxInterval = s.opts.MaxBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(s.opts.MaxAttempts))
}

func (s *Session) run(ctx context.Context) {
	b := s.newBackoff()
	for {
		err := s.attempt(ctx, b.Reset)
		if ctx.Err() != nil {
			return
		}
		if terminal(err) {
			s.setState(model.StateOffline, err)
			return
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			s.setState(model.StateOffline, fmt.Errorf("%w: %w", errMaxReconnect, err))
			return
		}
		s.setState(model.StateReconnecting, err)
		s.log.Debug().Err(err).Dur("delay", delay).Msg("stream dropped, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.setState(model.StateConnecting, nil)
	}
}

func terminal(err error) bool {
	switch apierr.KindOf(err) {
	case apierr.KindUnauthorized, apierr.KindDisconnectedByInactivity:
		return true
	}
	return false
}

func (s *Session) streamURL() string {
	q := url.Values{}
	q.Set("token", s.opts.Token)
	if s.opts.ServerID != "" {
		q.Set("serverId", s.opts.ServerID)
	}
	return s.opts.BaseURL + "/events/" + url.PathEscape(s.opts.UserID) + "?" + q.Encode()
}

// attempt runs one stream until it fails. onConnected is called for every
// connected frame.
func (s *Session) attempt(ctx context.Context, onConnected func()) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var expired atomic.Bool
	watchdog := time.AfterFunc(s.opts.WatchdogTimeout, func() {
		expired.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, s.streamURL(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		if expired.Load() {
			return ErrWatchdog
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apierr.FromResponse(resp)
	}

	dec := newDecoder(resp.Body)
	for {
		f, err := dec.next()
		if err != nil {
			if expired.Load() {
				return ErrWatchdog
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return errStreamEnded
			}
			return err
		}
		watchdog.Reset(s.opts.WatchdogTimeout)

		ev, err := decodeEvent(f)
		if err != nil {
			s.log.Warn().Err(err).Str("event", f.event).Msg("skipping undecodable frame")
			continue
		}

		if ev.Kind == model.EventConnected {
			onConnected()
			s.setState(model.StateConnected, nil)
		}
		s.bus.publish(ev)
		if ev.Kind == model.EventDisconnectedByInactivity {
			return apierr.New(apierr.KindDisconnectedByInactivity, "server closed the stream for inactivity")
		}
	}
}

func decodeEvent(f frame) (model.Event, error) {
	var ev model.Event
	if len(f.data) > 0 {
		if err := gojson.Unmarshal(f.data, &ev); err != nil {
			return model.Event{}, fmt.Errorf("decode %s frame: %w", f.event, err)
		}
	}
	if f.event != "" {
		ev.Kind = model.EventKind(f.event)
	}
	if ev.Kind == "" {
		return model.Event{}, errors.New("frame has no event kind")
	}
	return ev, nil
}
