package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-core/internal/app"
	"crabstack.local/projects/crab-core/internal/vault"
)

func newVaultCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage stored secrets",
	}
	cmd.AddCommand(
		newVaultSetCmd(opts),
		newVaultGetCmd(opts),
		newVaultRmCmd(opts),
		newVaultListCmd(opts),
		newVaultRotateCmd(opts),
		newVaultVerifyCmd(opts),
	)
	return cmd
}

func withVault(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, v *vault.Vault) error) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	v, err := app.OpenVault(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return errors.Join(fn(ctx, v), v.Close())
}

func newVaultSetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> [value|-]",
		Short: "Store a secret; reads the value from stdin when omitted or '-'",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := "-"
			if len(args) == 2 {
				value = args[1]
			}
			if value == "-" {
				line, err := readSecret(cmd.InOrStdin())
				if err != nil {
					return err
				}
				value = line
			}
			if value == "" {
				return fmt.Errorf("secret value must not be empty")
			}
			return withVault(cmd, opts, func(ctx context.Context, v *vault.Vault) error {
				if err := v.Set(ctx, args[0], value); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
				return nil
			})
		},
	}
}

func newVaultGetCmd(opts *rootOptions) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Check a secret; prints the value only with --reveal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, opts, func(ctx context.Context, v *vault.Vault) error {
				secret, err := v.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if reveal {
					fmt.Fprintln(cmd.OutOrStdout(), secret.Reveal())
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), secret.String())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the plaintext value")
	return cmd
}

func newVaultRmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"revoke"},
		Short:   "Delete a secret",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, opts, func(ctx context.Context, v *vault.Vault) error {
				if err := v.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}
}

func newVaultListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withVault(cmd, opts, func(ctx context.Context, v *vault.Vault) error {
				names, err := v.Names(ctx)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

func newVaultRotateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Re-obfuscate every secret under a fresh key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withVault(cmd, opts, func(ctx context.Context, v *vault.Vault) error {
				if err := v.RotateKey(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rotated, key fingerprint %s\n", v.KeyFingerprint())
				return nil
			})
		},
	}
}

func newVaultVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the integrity of every secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withVault(cmd, opts, func(ctx context.Context, v *vault.Vault) error {
				if err := v.Verify(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			})
		},
	}
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
