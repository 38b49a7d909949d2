// Package commands implements the gauntlet command-line interface.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gauntlet",
		Short: "Gauntlet - Ecosystem Verification Engine",
		Long: `Gauntlet runs adversarial verification suites against ecosystem
projects: scripted interaction scenarios, live endpoint probes, remote
test runs over SSH, and WASM check plugins.

Features:
  - Typed suites via CUE with Starlark assertions
  - Parallel DAG scheduling with classified retries
  - Honeypot steps that must fail
  - Per-project circuit breakers
  - Static compliance scanning with OPA/Rego policies
  - Persistent runs, findings, and project health in SQLite`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "suite config path (file or directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newHuntCommand())
	rootCmd.AddCommand(newReportCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newPoliciesCommand())

	return rootCmd
}
