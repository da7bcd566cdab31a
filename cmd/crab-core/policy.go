package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-core/internal/app"
)

func newPolicyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the sandbox policy",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <tool> [subject]",
		Short: "Show whether a tool call on subject would be allowed",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			engine, err := app.LoadPolicy(cfg)
			if err != nil {
				return err
			}
			subject := ""
			if len(args) == 2 {
				subject = args[1]
			}
			decision := engine.Evaluate(args[0], subject, len(args) == 2)
			verdict := "deny"
			if decision.Allowed {
				verdict = "allow"
			}
			rule := "default"
			if decision.Rule != nil {
				rule = decision.Rule.String()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (rule: %s) %s\n", verdict, rule, decision.Reason)
			return nil
		},
	})
	return cmd
}
