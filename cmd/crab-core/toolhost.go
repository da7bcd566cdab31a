package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-core/internal/app"
)

func newToolHostCmd(opts *rootOptions) *cobra.Command {
	var addr, service string
	cmd := &cobra.Command{
		Use:   "toolhost",
		Short: "Publish the configured tools to remote crab-core instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			host, err := app.NewToolHost(ctx, cfg, logger, service)
			if err != nil {
				return err
			}
			return host.Serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "listen address")
	cmd.Flags().StringVar(&service, "service", "crab-core", "service name advertised on discovery")
	return cmd
}
