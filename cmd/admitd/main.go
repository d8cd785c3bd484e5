/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Command admitd runs an HTTP service with rate limiting, request deduplication,
// priority admission and a background task scheduler, configured from a YAML/JSON file
// and ADMITD_* environment variables.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Set via ldflags: -X main.version=1.0.0
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "admitd",
		Short:         "Request admission and task scheduling service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			return Run(cmd.Context(), cfg)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to YAML or JSON config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and print the effective values",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err = enc.Encode(cfg.Summary()); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return enc.Close()
		},
	})

	return rootCmd
}
