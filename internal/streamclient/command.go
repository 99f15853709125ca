package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/rustdash/relay-plane/internal/apierr"
	"github.com/rustdash/relay-plane/internal/model"
)

// CommandClient submits commands on behalf of one user.
type CommandClient struct {
	baseURL string
	userID  string
	token   string
	http    *http.Client
}

func NewCommandClient(baseURL, userID, token string, client *http.Client) *CommandClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &CommandClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		token:   token,
		http:    client,
	}
}

// Execute posts one command. Failures come back as *apierr.Error so callers
// can match them with errors.Is against the apierr sentinels.
func (c *CommandClient) Execute(ctx context.Context, serverID string, command model.CommandName, payload any) (model.CommandResult, error) {
	req := model.CommandRequest{UserID: c.userID, ServerID: serverID, Command: command}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		req.Payload = p
	default:
		raw, err := gojson.Marshal(p)
		if err != nil {
			return model.CommandResult{}, fmt.Errorf("marshal %s payload: %w", command, err)
		}
		req.Payload = raw
	}
	body, err := gojson.Marshal(req)
	if err != nil {
		return model.CommandResult{}, fmt.Errorf("marshal command: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/command", bytes.NewReader(body))
	if err != nil {
		return model.CommandResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return model.CommandResult{}, fmt.Errorf("post command: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.CommandResult{}, apierr.FromResponse(resp)
	}

	var out model.CommandResult
	if err := gojson.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.CommandResult{}, fmt.Errorf("decode command result: %w", err)
	}
	return out, nil
}
