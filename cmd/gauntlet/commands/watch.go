package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gauntlet-dev/gauntlet/pkg/monitor"
)

func newWatchCommand() *cobra.Command {
	var (
		flags    runFlags
		debounce time.Duration
		rerun    bool
	)

	cmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Watch suite sources and re-verify on change",
		Long: `Watch the suite sources (and the project trees they reference) for
edits. Changes are debounced and then the suite is re-validated;
with --run each change also triggers a full run.

Blocks until interrupted.`,
		Example: `  # Re-validate on every change
  gauntlet watch

  # Re-run the whole suite on change
  gauntlet watch --run --debounce 2s`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := suitePath(args)

			def, parsed, err := parseSuite(ctx, path)
			if err != nil {
				printValidationErrors(parsed)
				return err
			}

			watchPaths := []string{path}
			for _, project := range def.Projects {
				if project.Path != "" {
					watchPaths = append(watchPaths, project.Path)
				}
			}

			watcher, err := monitor.NewWatcher(debounce, log.Logger)
			if err != nil {
				return err
			}
			defer watcher.Close()

			handler := func(changed []string) {
				log.Info().Strs("paths", changed).Msg("change detected")

				def, parsed, err := parseSuite(ctx, path)
				if err != nil {
					printValidationErrors(parsed)
					log.Error().Err(err).Msg("suite no longer valid, waiting for next change")
					return
				}
				fmt.Printf("Suite %q still valid\n", def.Suite.Name)

				if !rerun {
					return
				}

				store, err := openStore(ctx, flags.dbPath, log.Logger)
				if err != nil {
					log.Error().Err(err).Msg("failed to open store")
					return
				}
				defer store.Close()

				run, _, err := executeSuite(ctx, def, store, flags, log.Logger)
				if err != nil {
					log.Error().Err(err).Msg("run failed")
					return
				}
				printRunSummary(run)
			}

			if err := watcher.Watch(ctx, watchPaths, handler); err != nil {
				return err
			}

			fmt.Printf("Watching %d path(s), press Ctrl+C to stop\n", len(watchPaths))
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.dbPath, "db", "gauntlet.db", "run database path")
	cmd.Flags().StringVar(&flags.pluginsDir, "plugins-dir", "plugins", "WASM check plugin directory")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "settle time before reacting to changes")
	cmd.Flags().BoolVar(&rerun, "run", false, "re-run the suite after each change")

	return cmd
}
