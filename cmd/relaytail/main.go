package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rustdash/relay-plane/internal/logging"
)

type globalFlags struct {
	baseURL  string
	userID   string
	token    string
	logLevel string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "relaytail",
		Short:         "Tail a dashboard event stream and submit commands",
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logging.Init(logging.Config{Level: g.logLevel, Format: "console", Output: cmd.ErrOrStderr()})
		},
	}
	root.PersistentFlags().StringVar(&g.baseURL, "base-url", envOr("RELAY_BASE_URL", "http://localhost:8080"), "relay base URL")
	root.PersistentFlags().StringVar(&g.userID, "user", os.Getenv("RELAY_USER"), "dashboard user id")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("RELAY_TOKEN"), "bearer token for the user")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "client log level")

	root.AddCommand(newTailCmd(g))
	root.AddCommand(newCommandCmd(g))
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
