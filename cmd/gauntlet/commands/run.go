package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run [path]",
		Short: "Run a verification suite",
		Long: `Execute a verification suite: expand scenarios into check units,
schedule them over the dependency DAG, and persist results.

Probes run in parallel within each DAG level. Transient and flaky
failures are retried with backoff; projects that keep failing are
short-circuited by their circuit breaker.`,
		Example: `  # Run the suite in the current directory
  gauntlet run

  # Run selected scenarios against one project
  gauntlet run ./suite.cue --scenario smoke --project doc_hub

  # Dry-run to inspect the plan without probing
  gauntlet run --dry-run`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := suitePath(args)

			log.Info().
				Str("path", path).
				Strs("scenarios", flags.scenarios).
				Strs("projects", flags.projects).
				Bool("dry_run", flags.dryRun).
				Msg("Running suite")

			def, parsed, err := parseSuite(cmd.Context(), path)
			if err != nil {
				printValidationErrors(parsed)
				return err
			}

			store, err := openStore(cmd.Context(), flags.dbPath, log.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			run, _, err := executeSuite(cmd.Context(), def, store, flags, log.Logger)
			if err != nil {
				return err
			}

			printRunSummary(run)

			if run.Status == engine.RunStatusFailed {
				return fmt.Errorf("run %s failed: %d unit(s) failed", run.ID, run.Summary.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.dbPath, "db", "gauntlet.db", "run database path")
	cmd.Flags().StringVar(&flags.pluginsDir, "plugins-dir", "plugins", "WASM check plugin directory")
	cmd.Flags().StringSliceVar(&flags.scenarios, "scenario", nil, "restrict to the listed scenario IDs")
	cmd.Flags().StringSliceVar(&flags.projects, "project", nil, "restrict to scenarios targeting the listed project IDs")
	cmd.Flags().IntVar(&flags.maxParallel, "max-parallel", 0, "max concurrent check units (0 = suite default)")
	cmd.Flags().BoolVar(&flags.failFast, "fail-fast", false, "stop scheduling after the first failure")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "build the plan but skip probe execution")

	return cmd
}
