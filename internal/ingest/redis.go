// Package ingest feeds upstream game events published on Redis into the hub.
//
// The link process publishes to rustplus:events:<serverId> with a body of
// {"type":"<event kind>","payload":{...}}.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rustdash/relay-plane/internal/logging"
	"github.com/rustdash/relay-plane/internal/metrics"
	"github.com/rustdash/relay-plane/internal/model"
)

type Publisher interface {
	Publish(serverID string, kind model.EventKind, payload any) int
}

type RedisIngest struct {
	client  redis.UniversalClient
	pattern string
	prefix  string
	sink    Publisher
	log     zerolog.Logger
}

type message struct {
	Type    model.EventKind `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func NewRedisIngest(client redis.UniversalClient, pattern string, sink Publisher) *RedisIngest {
	return &RedisIngest{
		client:  client,
		pattern: pattern,
		prefix:  strings.TrimSuffix(pattern, "*"),
		sink:    sink,
		log:     logging.Component("ingest"),
	}
}

// Serve consumes the pattern subscription until ctx ends. A closed
// subscription is reported as an error so the supervisor resubscribes.
func (r *RedisIngest) Serve(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, r.pattern)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", r.pattern, err)
	}
	r.log.Info().Str("pattern", r.pattern).Msg("event ingest subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			r.handle(msg.Channel, msg.Payload)
		}
	}
}

func (r *RedisIngest) handle(channel, payload string) {
	serverID, m, err := decodeMessage(r.prefix, channel, payload)
	if err != nil {
		metrics.Default().IncCounter("relay_ingest_messages_total", map[string]string{"status": "malformed"})
		r.log.Warn().Err(err).Str("channel", channel).Msg("skipping malformed event")
		return
	}
	n := r.sink.Publish(serverID, m.Type, m.Payload)
	metrics.Default().IncCounter("relay_ingest_messages_total", map[string]string{"status": "ok"})
	r.log.Debug().Str("server_id", serverID).Str("kind", string(m.Type)).Int("streams", n).Msg("event ingested")
}

func decodeMessage(prefix, channel, payload string) (string, message, error) {
	serverID := strings.TrimPrefix(channel, prefix)
	if serverID == "" || serverID == channel && prefix != "" {
		return "", message{}, fmt.Errorf("channel %q has no server id", channel)
	}
	var m message
	if err := gojson.Unmarshal([]byte(payload), &m); err != nil {
		return "", message{}, fmt.Errorf("decode: %w", err)
	}
	if !m.Type.Valid() {
		return "", message{}, fmt.Errorf("unknown event type %q", m.Type)
	}
	if m.Type == model.EventConnected || m.Type == model.EventHeartbeat {
		return "", message{}, fmt.Errorf("event type %q is stream-local", m.Type)
	}
	return serverID, m, nil
}
