// Package inactivity disconnects idle dashboard sessions after a visible
// countdown.
package inactivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustdash/relay-plane/internal/logging"
	"github.com/rustdash/relay-plane/internal/metrics"
	"github.com/rustdash/relay-plane/internal/model"
)

const unbindTimeout = 5 * time.Second

// Events delivers frames to a user's stream. SendToUser must not block; the
// monitor calls it while holding its lock so frames for one user stay ordered.
type Events interface {
	SendToUser(userID string, kind model.EventKind, serverID string, payload any) bool
}

type Streams interface {
	Unsubscribe(userID string, reason model.CloseReason) bool
}

type Links interface {
	Unbind(ctx context.Context, userID, serverID string) error
}

type Config struct {
	IdleThreshold time.Duration
	Countdown     int
	Tick          time.Duration
}

type Deps struct {
	Events  Events
	Streams Streams
	Links   Links
	// OnTerminate runs after a session is terminated, outside the monitor lock.
	OnTerminate func(userID string)
}

type session struct {
	streamID     string
	serverID     string
	lastActivity time.Time
	phase        model.Phase
	remaining    int
}

type Monitor struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	// terminations tracks unbind/cleanup goroutines started by tick.
	terminations sync.WaitGroup
}

func New(cfg Config, deps Deps) *Monitor {
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 10 * time.Minute
	}
	if cfg.Countdown <= 0 {
		cfg.Countdown = 10
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Monitor{
		cfg:      cfg,
		deps:     deps,
		log:      logging.Component("inactivity"),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Track starts (or restarts) an active session for the user, keeping the
// stream that owns it.
func (m *Monitor) Track(userID, serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	streamID := ""
	if s, ok := m.sessions[userID]; ok {
		streamID = s.streamID
	}
	m.sessions[userID] = m.newSession(streamID, serverID)
}

// TrackStream starts an active session owned by streamID.
func (m *Monitor) TrackStream(userID, streamID, serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[userID] = m.newSession(streamID, serverID)
}

func (m *Monitor) newSession(streamID, serverID string) *session {
	return &session{streamID: streamID, serverID: serverID, lastActivity: m.now(), phase: model.PhaseActive}
}

// Bind updates the server a tracked session is routed to.
func (m *Monitor) Bind(userID, serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok && s.phase != model.PhaseTerminated {
		s.serverID = serverID
	}
}

// Touch records activity. A running countdown is cancelled immediately.
func (m *Monitor) Touch(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok || s.phase == model.PhaseTerminated {
		return
	}
	s.lastActivity = m.now()
	if s.phase != model.PhaseWarning {
		return
	}
	s.phase = model.PhaseActive
	s.remaining = 0
	m.deps.Events.SendToUser(userID, model.EventCountdownCancelled, s.serverID, nil)
	m.log.Info().Str("user_id", userID).Msg("inactivity countdown cancelled")
}

func (m *Monitor) Forget(userID string) {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
}

// ForgetStream drops the user's session only while streamID still owns it.
func (m *Monitor) ForgetStream(userID, streamID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok || s.streamID != streamID {
		return false
	}
	delete(m.sessions, userID)
	return true
}

func (m *Monitor) Phase(userID string) (model.Phase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return "", false
	}
	return s.phase, true
}

// Serve drives the per-session state machines until ctx ends. Pending unbinds
// are waited for before it returns.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.terminations.Wait()
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx, m.now())
		}
	}
}

type termination struct {
	userID   string
	serverID string
}

func (m *Monitor) tick(ctx context.Context, now time.Time) {
	var done []termination

	m.mu.Lock()
	for userID, s := range m.sessions {
		switch s.phase {
		case model.PhaseActive:
			if now.Sub(s.lastActivity) < m.cfg.IdleThreshold {
				continue
			}
			s.phase = model.PhaseWarning
			s.remaining = m.cfg.Countdown
		case model.PhaseWarning:
			s.remaining--
		default:
			continue
		}
		m.deps.Events.SendToUser(userID, model.EventInactivityCountdown, s.serverID, model.CountdownPayload{Remaining: s.remaining})
		if s.remaining <= 0 {
			s.phase = model.PhaseTerminated
			done = append(done, termination{userID: userID, serverID: s.serverID})
		}
	}
	m.mu.Unlock()

	for _, t := range done {
		m.deps.Events.SendToUser(t.userID, model.EventDisconnectedByInactivity, t.serverID, model.DisconnectPayload{Reason: "inactivity"})
		m.deps.Streams.Unsubscribe(t.userID, model.CloseInactivity)

		m.terminations.Add(1)
		go func() {
			defer m.terminations.Done()
			m.release(ctx, t.userID, t.serverID)
		}()
	}
}

// release unbinds the upstream link of a terminated session. It runs on its
// own goroutine; ticks never wait for it.
func (m *Monitor) release(ctx context.Context, userID, serverID string) {
	if serverID != "" && m.deps.Links != nil {
		unbindCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unbindTimeout)
		if err := m.deps.Links.Unbind(unbindCtx, userID, serverID); err != nil {
			m.log.Warn().Err(err).Str("user_id", userID).Str("server_id", serverID).Msg("unbind after inactivity")
		}
		cancel()
	}
	if m.deps.OnTerminate != nil {
		m.deps.OnTerminate(userID)
	}

	metrics.Default().IncCounter("relay_inactivity_terminations_total", nil)
	m.log.Warn().Str("user_id", userID).Str("server_id", serverID).Msg("session terminated for inactivity")
}
