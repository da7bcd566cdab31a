package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-core/internal/app"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator with the configured channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error().Err(err).Msg("close")
				}
			}()

			logger.Info().Msg("serving")
			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info().Msg("stopped")
			return nil
		},
	}
}
