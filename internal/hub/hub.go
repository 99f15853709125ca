// Package hub fans upstream game events out to dashboard users over
// server-sent events. Each user holds at most one active stream; a new
// subscription supersedes the old one only after the old writer has let go.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rustdash/relay-plane/internal/logging"
	"github.com/rustdash/relay-plane/internal/metrics"
	"github.com/rustdash/relay-plane/internal/model"
)

var (
	ErrAlreadyClosing = errors.New("previous stream is still closing")
	ErrShutdown       = errors.New("hub is shut down")
)

type Config struct {
	HeartbeatInterval time.Duration
	Buffer            int
	DrainTimeout      time.Duration
}

type Hub struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	streams map[string]*Stream  // userID -> active stream
	closing map[string]struct{} // users with a supersede in progress
	closed  bool
}

func New(cfg Config) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 2 * time.Second
	}
	return &Hub{
		cfg:     cfg,
		log:     logging.Component("hub"),
		now:     time.Now,
		streams: make(map[string]*Stream),
		closing: make(map[string]struct{}),
	}
}

// Subscribe opens the user's stream, superseding any live one. The returned
// stream already carries a connected event.
func (h *Hub) Subscribe(userID, serverID string) (*Stream, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrShutdown
	}
	if _, busy := h.closing[userID]; busy {
		h.mu.Unlock()
		metrics.Default().IncCounter("relay_subscriptions_total", map[string]string{"status": "already_closing"})
		return nil, ErrAlreadyClosing
	}

	if old := h.streams[userID]; old != nil {
		h.closing[userID] = struct{}{}
		delete(h.streams, userID)
		h.mu.Unlock()

		old.close(model.CloseSuperseded)
		h.log.Warn().Str("user_id", userID).Str("stream_id", old.ID()).Msg("stream superseded")
		timer := time.NewTimer(h.cfg.DrainTimeout)
		select {
		case <-old.Released():
			timer.Stop()
		case <-timer.C:
			h.log.Warn().Str("user_id", userID).Str("stream_id", old.ID()).Msg("superseded stream did not release before drain timeout")
		}

		h.mu.Lock()
		delete(h.closing, userID)
		if h.closed {
			h.mu.Unlock()
			return nil, ErrShutdown
		}
	}

	s := newStream("str_"+uuid.NewString(), userID, serverID, h.cfg.Buffer)
	h.streams[userID] = s
	active := len(h.streams)
	h.mu.Unlock()

	metrics.Default().SetGauge("relay_streams_active", float64(active), nil)
	metrics.Default().IncCounter("relay_subscriptions_total", map[string]string{"status": "ok"})
	h.log.Info().Str("user_id", userID).Str("server_id", serverID).Str("stream_id", s.ID()).Msg("stream opened")

	h.deliver(s, model.EventConnected, serverID, model.StreamOpenedPayload{StreamID: s.ID(), UserID: userID, ServerID: serverID})
	return s, nil
}

// Bind re-points the user's live stream at serverID. An empty serverID
// leaves the stream open but routed to no server.
func (h *Hub) Bind(userID, serverID string) bool {
	s, ok := h.Active(userID)
	if !ok {
		return false
	}
	s.setServerID(serverID)
	return true
}

// Publish enqueues the event on every stream bound to serverID without
// blocking. It returns how many streams accepted it.
func (h *Hub) Publish(serverID string, kind model.EventKind, payload any) int {
	if serverID == "" {
		return 0
	}
	f, err := h.encode(kind, serverID, payload)
	if err != nil {
		h.log.Error().Err(err).Str("server_id", serverID).Str("kind", string(kind)).Msg("encode event")
		return 0
	}

	h.mu.Lock()
	targets := make([]*Stream, 0, 1)
	for _, s := range h.streams {
		if s.ServerID() == serverID {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	n := 0
	for _, s := range targets {
		if h.offer(s, f) {
			n++
		}
	}
	return n
}

// SendToUser delivers directly to the user's stream, if any.
func (h *Hub) SendToUser(userID string, kind model.EventKind, serverID string, payload any) bool {
	s, ok := h.Active(userID)
	if !ok {
		return false
	}
	return h.deliver(s, kind, serverID, payload)
}

func (h *Hub) deliver(s *Stream, kind model.EventKind, serverID string, payload any) bool {
	f, err := h.encode(kind, serverID, payload)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", s.UserID()).Str("kind", string(kind)).Msg("encode event")
		return false
	}
	return h.offer(s, f)
}

func (h *Hub) offer(s *Stream, f frame) bool {
	err := s.offer(f)
	switch {
	case err == nil:
		metrics.Default().IncCounter("relay_events_published_total", map[string]string{"kind": string(f.kind)})
		return true
	case errors.Is(err, errBufferFull):
		metrics.Default().IncCounter("relay_events_dropped_total", map[string]string{"kind": string(f.kind)})
		h.log.Warn().
			Str("metric", "event_dropped").
			Str("user_id", s.UserID()).
			Str("stream_id", s.ID()).
			Str("kind", string(f.kind)).
			Msg("stream buffer full, event dropped")
	}
	return false
}

// Unsubscribe closes the user's active stream.
func (h *Hub) Unsubscribe(userID string, reason model.CloseReason) bool {
	h.mu.Lock()
	s := h.streams[userID]
	if s != nil {
		delete(h.streams, userID)
	}
	active := len(h.streams)
	h.mu.Unlock()
	if s == nil {
		return false
	}
	metrics.Default().SetGauge("relay_streams_active", float64(active), nil)
	s.close(reason)
	h.log.Info().Str("user_id", userID).Str("stream_id", s.ID()).Str("reason", string(reason)).Msg("stream closed")
	return true
}

// Remove closes s, unregistering it only if it is still the user's active
// stream. Used when a client goes away.
func (h *Hub) Remove(s *Stream, reason model.CloseReason) {
	h.mu.Lock()
	if h.streams[s.UserID()] == s {
		delete(h.streams, s.UserID())
	}
	active := len(h.streams)
	h.mu.Unlock()
	metrics.Default().SetGauge("relay_streams_active", float64(active), nil)
	if s.close(reason) {
		h.log.Info().Str("user_id", s.UserID()).Str("stream_id", s.ID()).Str("reason", string(reason)).Msg("stream closed")
	}
}

func (h *Hub) Active(userID string) (*Stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[userID]
	return s, ok
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// Serve emits heartbeats on every open stream until ctx ends.
func (h *Hub) Serve(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

func (h *Hub) heartbeat() {
	h.mu.Lock()
	all := make([]*Stream, 0, len(h.streams))
	for _, s := range h.streams {
		all = append(all, s)
	}
	h.mu.Unlock()

	now := h.now().UTC()
	for _, s := range all {
		h.deliver(s, model.EventHeartbeat, s.ServerID(), map[string]any{"time": now})
	}
}

// Shutdown closes every stream and rejects further subscriptions.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	all := h.streams
	h.streams = make(map[string]*Stream)
	h.mu.Unlock()

	for _, s := range all {
		s.close(model.CloseShutdown)
	}
	metrics.Default().SetGauge("relay_streams_active", 0, nil)
}

func (h *Hub) encode(kind model.EventKind, serverID string, payload any) (frame, error) {
	ev := model.Event{Kind: kind, ServerID: serverID, Timestamp: h.now().UTC()}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		ev.Payload = p
	case []byte:
		ev.Payload = p
	default:
		raw, err := gojson.Marshal(p)
		if err != nil {
			return frame{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		ev.Payload = raw
	}
	data, err := gojson.Marshal(ev)
	if err != nil {
		return frame{}, fmt.Errorf("marshal %s event: %w", kind, err)
	}
	return frame{kind: kind, data: data}, nil
}
