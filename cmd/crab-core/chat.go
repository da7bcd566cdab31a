package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-core/internal/app"
	"crabstack.local/projects/crab-core/internal/channel/console"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var peer string
	var withChannels bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the configured backend from the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if !withChannels {
				cfg.Channels.WebSocket.Enabled = false
				cfg.Channels.Discord.Enabled = false
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			ch := console.New(cmd.InOrStdin(), cmd.OutOrStdout(), peer, console.WithPrompt("> "))
			a, err := app.Build(ctx, cfg, logger, app.WithChannel(ch))
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&peer, "peer", os.Getenv("USER"), "peer id for the console conversation")
	cmd.Flags().BoolVar(&withChannels, "with-channels", false, "also serve the configured channels")
	return cmd
}
