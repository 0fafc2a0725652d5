package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "overwatch",
		Short: "Account binding and resource lifecycle manager",
		Long: `Overwatch - Resource Lifecycle Manager

Users bind one cloud account by granting Overwatch a role with a
per-binding external id. Overwatch scans the account for resources tagged
overwatch-delete-after, lets you browse them by expiry window, and deletes
each one once its date has passed.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Overwatch {{.Version}} - Resource Lifecycle Manager
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (TOML or YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
}
