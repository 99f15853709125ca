package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	gojson "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/rustdash/relay-plane/internal/apierr"
	"github.com/rustdash/relay-plane/internal/model"
	"github.com/rustdash/relay-plane/internal/streamclient"
)

func newCommandCmd(g *globalFlags) *cobra.Command {
	var serverID, name, payload string
	cmd := &cobra.Command{
		Use:   "command",
		Short: "Submit one command and print its result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if g.userID == "" || g.token == "" {
				return fmt.Errorf("--user and --token are required")
			}
			client := streamclient.NewCommandClient(g.baseURL, g.userID, g.token, nil)
			return runCommand(cmd.Context(), client, serverID, model.CommandName(name), payload, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&serverID, "server", "", "target server id")
	cmd.Flags().StringVar(&name, "name", "", "command name, e.g. get_info")
	cmd.Flags().StringVar(&payload, "payload", "", "command payload as JSON")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runCommand(ctx context.Context, client *streamclient.CommandClient, serverID string, name model.CommandName, payload string, out io.Writer) error {
	var body any
	if payload != "" {
		if !gojson.Valid([]byte(payload)) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		body = json.RawMessage(payload)
	}

	res, err := client.Execute(ctx, serverID, name, body)
	if err != nil {
		var e *apierr.Error
		if errors.As(err, &e) && !e.RetryAfter.IsZero() {
			return fmt.Errorf("%w (retry after %s)", err, e.RetryAfter.Format("15:04:05"))
		}
		return err
	}
	enc := gojson.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
