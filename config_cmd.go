package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudbridge/internal/config"
	"github.com/tonimelisma/cloudbridge/internal/secret"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect the configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a starter config with fresh secrets",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := config.ConfigPath(config.ReadEnvOverrides(), config.CLIOverrides{ConfigPath: flagConfigPath})

			return runConfigInit(path)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			statusf("# %s\n", resolvedPath)
			return config.RenderEffective(resolvedCfg, cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration for serving",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := config.CheckServe(resolvedCfg); err != nil {
				return fmt.Errorf("%s: %w", resolvedPath, err)
			}

			statusf("%s is valid.\n", resolvedPath)

			return nil
		},
	})

	return cmd
}

func runConfigInit(path string) error {
	jwtSecret, err := secret.GenerateKey()
	if err != nil {
		return err
	}

	vaultKey, err := secret.GenerateKey()
	if err != nil {
		return err
	}

	if err := config.CreateConfig(path, jwtSecret, vaultKey); err != nil {
		return err
	}

	statusf("Wrote %s. Add a vendor client_id before running serve.\n", path)

	return nil
}

// newKeygenCmd prints a key for vault.encryption_key, e.g. when rotating.
func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random base64 key for vault.encryption_key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := secret.GenerateKey()
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), key)

			return nil
		},
	}
}
