// Package link binds dashboard users to live game-server connections held by
// the upstream link process. The relay never speaks the game protocol itself;
// it asks an Adapter to connect, execute and unbind, and receives pushed
// events through an EventSink.
package link

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rustdash/relay-plane/internal/model"
)

var (
	ErrNotBound    = errors.New("server not bound")
	ErrUnavailable = errors.New("link unavailable")
)

// EventSink receives upstream events. The hub implements it.
type EventSink interface {
	Publish(serverID string, kind model.EventKind, payload any) int
}

type Adapter interface {
	Connect(ctx context.Context, userID string, server model.Server) error
	Bound(serverID string) bool
	Execute(ctx context.Context, req model.CommandRequest) (json.RawMessage, error)
	Unbind(ctx context.Context, userID, serverID string) error
}
