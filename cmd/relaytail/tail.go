package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/rustdash/relay-plane/internal/model"
	"github.com/rustdash/relay-plane/internal/streamclient"
)

type tailOptions struct {
	serverID string
	kinds    []string
}

func newTailCmd(g *globalFlags) *cobra.Command {
	opts := &tailOptions{}
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print events as JSON lines until the stream goes offline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if g.userID == "" || g.token == "" {
				return fmt.Errorf("--user and --token are required")
			}
			s := streamclient.New(streamclient.Options{
				BaseURL:  g.baseURL,
				UserID:   g.userID,
				Token:    g.token,
				ServerID: opts.serverID,
				OnStateChange: func(from, to model.ConnState, err error) {
					if err != nil && to == model.StateOffline {
						fmt.Fprintf(cmd.ErrOrStderr(), "state %s -> %s: %v\n", from, to, err)
						return
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "state %s -> %s\n", from, to)
				},
			})
			return runTail(cmd.Context(), s, opts.kinds, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.serverID, "server", "", "bind the stream to this server")
	cmd.Flags().StringSliceVar(&opts.kinds, "kind", nil, "only print these event kinds (repeatable)")
	return cmd
}

// runTail prints events until ctx ends or the session goes offline. Offline is
// returned as an error so the process exits non-zero.
func runTail(ctx context.Context, s *streamclient.Session, kinds []string, out io.Writer) error {
	for _, k := range kinds {
		if !model.EventKind(k).Valid() {
			return fmt.Errorf("unknown event kind %q", k)
		}
	}

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
		cancels []func()
	)
	drain := func(events <-chan model.Event) {
		defer wg.Done()
		enc := gojson.NewEncoder(out)
		for ev := range events {
			writeMu.Lock()
			_ = enc.Encode(ev)
			writeMu.Unlock()
		}
	}
	subscribe := func(kind model.EventKind) {
		ch, cancel := s.Bus().Subscribe(kind, 64)
		cancels = append(cancels, cancel)
		wg.Add(1)
		go drain(ch)
	}
	if len(kinds) == 0 {
		subscribe("")
	}
	for _, k := range kinds {
		subscribe(model.EventKind(k))
	}

	s.Connect(ctx)
	select {
	case <-ctx.Done():
	case <-s.Done():
	}
	if ctx.Err() != nil {
		s.Disconnect()
	}
	for _, cancel := range cancels {
		cancel()
	}
	wg.Wait()

	if s.State() == model.StateOffline {
		return fmt.Errorf("stream offline: %w", s.Err())
	}
	return nil
}
