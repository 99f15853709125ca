package streamclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustdash/relay-plane/internal/apierr"
	"github.com/rustdash/relay-plane/internal/model"
)

func TestCommandClient_PostsRequestAndReturnsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/command", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		var req model.CommandRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "usr_1", req.UserID)
		assert.Equal(t, model.CmdSendTeamMessage, req.Command)
		assert.JSONEq(t, `{"message":"hi"}`, string(req.Payload))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"command":"send_team_message","serverId":"srv_1","result":{"success":true}}`))
	}))
	defer srv.Close()

	c := NewCommandClient(srv.URL+"/", "usr_1", "tok", nil)
	res, err := c.Execute(context.Background(), "srv_1", model.CmdSendTeamMessage, map[string]string{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "srv_1", res.ServerID)
	assert.JSONEq(t, `{"success":true}`, string(res.Result))
}

func TestCommandClient_ClassifiesRateLimit(t *testing.T) {
	retryAt := time.Now().Add(2 * time.Second).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"rate_limited","message":"too many commands","retryAfter":"` + retryAt.Format(time.RFC3339) + `"}}`))
	}))
	defer srv.Close()

	c := NewCommandClient(srv.URL, "usr_1", "tok", nil)
	_, err := c.Execute(context.Background(), "srv_1", model.CmdGetTime, nil)
	require.True(t, errors.Is(err, apierr.ErrRateLimited), "got %v", err)

	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.RetryAfter.Equal(retryAt))
}

func TestCommandClient_ClassifiesUpstreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	c := NewCommandClient(srv.URL, "usr_1", "tok", nil)
	_, err := c.Execute(context.Background(), "srv_1", model.CmdGetMap, json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, apierr.ErrGatewayTimeout), "got %v", err)
}
