package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	appconfig "github.com/manthysbr/tunelab/internal/config"
	"github.com/manthysbr/tunelab/internal/core/domain"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var jobPath string
	cmd := &cobra.Command{
		Use:   "validate -f job.yaml",
		Short: "Check a job file without contacting the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			job, err := loadJobFile(jobPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			v, err := domain.ValidateConfig(job)
			if err != nil {
				printValidation(cmd.OutOrStdout(), err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s\n", v.Config())
			return nil
		},
	}
	cmd.Flags().StringVarP(&jobPath, "file", "f", "", "job file (YAML or JSON, - for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List frameworks and the model types registered for each",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FRAMEWORK\tMODELS")
			for _, f := range domain.Frameworks() {
				fmt.Fprintf(tw, "%s\t%s\n", f, strings.Join(domain.ModelCatalog[f], ", "))
			}
			return tw.Flush()
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the merged config with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd, os.Stderr)
			if err != nil {
				return err
			}
			out, err := appconfig.Dump(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage encrypted config values",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "encrypt <value>",
		Short: "Encrypt a backend API token for backend.api_token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, os.Stderr)
			if err != nil {
				return err
			}
			key, err := appconfig.NewSecretKeyIn(cfg.Secrets.KeyDir)
			if err != nil {
				return err
			}
			enc, err := key.Encrypt(args[0])
			if err != nil {
				return fmt.Errorf("encrypt: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), enc)
			return nil
		},
	})
	return cmd
}
