package link

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rustdash/relay-plane/internal/model"
)

// FakeAdapter keeps bindings in memory and answers commands with canned
// results. It is the default provider for local development.
type FakeAdapter struct {
	sink EventSink

	mu       sync.Mutex
	bindings map[string]string // serverID -> userID
	results  map[model.CommandName]json.RawMessage

	// Delay is applied to every Execute; ctx cancellation wins.
	Delay time.Duration
	// ExecuteFunc, when set, replaces the canned result lookup.
	ExecuteFunc func(ctx context.Context, req model.CommandRequest) (json.RawMessage, error)
}

func NewFakeAdapter(sink EventSink) *FakeAdapter {
	return &FakeAdapter{
		sink:     sink,
		bindings: make(map[string]string),
		results: map[model.CommandName]json.RawMessage{
			model.CmdGetInfo:       json.RawMessage(`{"name":"fake server","players":12,"maxPlayers":200,"queuedPlayers":0,"map":"Procedure Map","mapSize":4250,"seed":1337}`),
			model.CmdGetTime:       json.RawMessage(`{"dayLengthMinutes":45,"timeScale":1,"sunrise":7,"sunset":19.5,"time":12.25}`),
			model.CmdGetMapMarkers: json.RawMessage(`{"markers":[]}`),
			model.CmdGetTeamInfo:   json.RawMessage(`{"leaderSteamId":"0","members":[]}`),
		},
	}
}

// SetResult overrides the canned result for one command.
func (f *FakeAdapter) SetResult(cmd model.CommandName, result json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[cmd] = result
}

func (f *FakeAdapter) Connect(_ context.Context, userID string, server model.Server) error {
	f.mu.Lock()
	f.bindings[server.ID] = userID
	f.mu.Unlock()
	if f.sink != nil {
		f.sink.Publish(server.ID, model.EventConnectionStatus, model.ConnectionStatusPayload{Connected: true})
	}
	return nil
}

func (f *FakeAdapter) Bound(serverID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.bindings[serverID]
	return ok
}

func (f *FakeAdapter) Execute(ctx context.Context, req model.CommandRequest) (json.RawMessage, error) {
	if !f.Bound(req.ServerID) {
		return nil, fmt.Errorf("execute %s on %s: %w", req.Command, req.ServerID, ErrNotBound)
	}
	if f.Delay > 0 {
		timer := time.NewTimer(f.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if f.ExecuteFunc != nil {
		return f.ExecuteFunc(ctx, req)
	}

	f.mu.Lock()
	res, ok := f.results[req.Command]
	f.mu.Unlock()
	if !ok {
		return json.RawMessage(`{"success":true}`), nil
	}
	return res, nil
}

// Unbind is a no-op when serverID is not bound by userID.
func (f *FakeAdapter) Unbind(_ context.Context, userID, serverID string) error {
	f.mu.Lock()
	owner, ok := f.bindings[serverID]
	if ok && owner == userID {
		delete(f.bindings, serverID)
	}
	f.mu.Unlock()
	if ok && owner == userID && f.sink != nil {
		f.sink.Publish(serverID, model.EventConnectionStatus, model.ConnectionStatusPayload{Connected: false, Reason: "unbound"})
	}
	return nil
}

// Emit pushes a synthetic upstream event, as the real link would.
func (f *FakeAdapter) Emit(serverID string, kind model.EventKind, payload any) int {
	if f.sink == nil {
		return 0
	}
	return f.sink.Publish(serverID, kind, payload)
}
