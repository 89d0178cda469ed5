package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "launchforge",
		Short: "LaunchForge - Project Provisioning Orchestrator",
		Long: `LaunchForge provisions complete projects from templates: source
repository, managed database, deployment target, and optional AI-assisted
code generation, tracked as asynchronous sessions that callers poll for
progress.

This CLI is operational tooling: it runs the daemon (session store,
metrics endpoint, stale-session reconciler) and inspects session records.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newSessionsCommand())

	return rootCmd
}
