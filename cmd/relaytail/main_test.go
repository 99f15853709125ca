package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustdash/relay-plane/internal/apierr"
	"github.com/rustdash/relay-plane/internal/model"
	"github.com/rustdash/relay-plane/internal/streamclient"
)

func inactivityServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, kind := range []model.EventKind{model.EventConnected, model.EventChatMessage, model.EventDisconnectedByInactivity} {
			fmt.Fprintf(w, "event: %s\ndata: {\"type\":%q,\"serverId\":\"srv_1\",\"timestamp\":\"2026-05-01T10:00:00Z\"}\n\n", kind, kind)
		}
		w.(http.Flusher).Flush()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunTail_PrintsEventsAndFailsWhenOffline(t *testing.T) {
	srv := inactivityServer(t)
	s := streamclient.New(streamclient.Options{BaseURL: srv.URL, UserID: "usr_1", Token: "tok"})

	var out bytes.Buffer
	err := runTail(context.Background(), s, nil, &out)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrDisconnectedByInactivity), "got %v", err)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], `"type":"chat_message"`)
}

func TestRunTail_FiltersKinds(t *testing.T) {
	srv := inactivityServer(t)
	s := streamclient.New(streamclient.Options{BaseURL: srv.URL, UserID: "usr_1", Token: "tok"})

	var out bytes.Buffer
	_ = runTail(context.Background(), s, []string{"chat_message"}, &out)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"serverId":"srv_1"`)
}

func TestRunTail_RejectsUnknownKind(t *testing.T) {
	s := streamclient.New(streamclient.Options{BaseURL: "http://127.0.0.1:9", UserID: "usr_1", Token: "tok"})
	err := runTail(context.Background(), s, []string{"airdrop"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "airdrop")
}

func TestRunTail_CancelIsClean(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: connected\ndata: {\"type\":\"connected\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()
	s := streamclient.New(streamclient.Options{BaseURL: srv.URL, UserID: "usr_1", Token: "tok"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, runTail(ctx, s, nil, &bytes.Buffer{}))
	assert.Equal(t, model.StateIdle, s.State())
}

func TestRunCommand_PrintsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"command":"get_time","serverId":"srv_1","result":{"time":12.5}}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	client := streamclient.NewCommandClient(srv.URL, "usr_1", "tok", nil)
	require.NoError(t, runCommand(context.Background(), client, "srv_1", model.CmdGetTime, "", &out))
	assert.Contains(t, out.String(), `"time": 12.5`)
}

func TestRunCommand_ReportsRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"rate_limited","message":"too many commands"}}`))
	}))
	defer srv.Close()

	client := streamclient.NewCommandClient(srv.URL, "usr_1", "tok", nil)
	err := runCommand(context.Background(), client, "srv_1", model.CmdGetTime, "", &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrRateLimited))
	assert.Contains(t, err.Error(), "retry after")
}

func TestRunCommand_RejectsInvalidPayload(t *testing.T) {
	client := streamclient.NewCommandClient("http://127.0.0.1:9", "usr_1", "tok", nil)
	err := runCommand(context.Background(), client, "srv_1", model.CmdSendTeamMessage, `{"message":`, &bytes.Buffer{})
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestRootCmd_RequiresCredentials(t *testing.T) {
	t.Setenv("RELAY_USER", "")
	t.Setenv("RELAY_TOKEN", "")
	root := newRootCmd()
	root.SetArgs([]string{"tail"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	assert.ErrorContains(t, root.Execute(), "--user and --token are required")
}
