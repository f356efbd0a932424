// ABOUTME: Entry point for clyde-relay, the HTTP facade over a chat responder
// ABOUTME: Defines the serve, prune, health and init commands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/clyde-relay/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
      _           _                    _
  ___| |_   _  __| | ___       _ __ ___| | __ _ _   _
 / __| | | | |/ _' |/ _ \_____| '__/ _ \ |/ _' | | | |
| (__| | |_| | (_| |  __/_____| | |  __/ | (_| | |_| |
 \___|_|\__, |\__,_|\___|     |_|  \___|_|\__,_|\__, |
        |___/                                   |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "clyde-relay",
		Short:         "HTTP request/response facade over a chat responder",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: $CLYDE_RELAY_CONFIG or ~/.config/clyde-relay/config.yaml)")

	resolve := func() string {
		if configPath != "" {
			return configPath
		}
		return config.DefaultPath()
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the relay server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), resolve())
			},
		},
		newPruneCmd(resolve),
		newHealthCmd(resolve),
		newInitCmd(resolve),
	)
	return root
}

func newPruneCmd(resolve func() string) *cobra.Command {
	var max int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Run one sweep of the parent space and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPrune(cmd.Context(), resolve(), max)
		},
	}
	cmd.Flags().IntVar(&max, "max", 0, "channel limit (default: prune.max_channels)")
	return cmd
}

func newHealthCmd(resolve func() string) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check relay health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHealth(cmd.Context(), resolve(), url, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "healthcheck URL (default: derived from server config)")
	return cmd
}

func newInitCmd(resolve func() string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(resolve(), force, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
