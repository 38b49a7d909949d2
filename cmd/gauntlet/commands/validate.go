package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate suite definition files",
		Long: `Validate CUE suite definitions.

This command checks:
  - CUE syntax validity
  - Schema conformance (projects, scenarios, steps)
  - Cross-references (scenario -> project, step dependencies)
  - Starlark assertion syntax`,
		Example: `  # Validate the suite in the current directory
  gauntlet validate

  # Validate a specific file
  gauntlet validate ./suite.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := suitePath(args)

			log.Info().Str("path", path).Msg("Validating suite")

			def, parsed, err := parseSuite(cmd.Context(), path)
			if err != nil {
				printValidationErrors(parsed)
				return err
			}

			if jsonOutput {
				fmt.Printf(`{"valid":true,"projects":%d,"scenarios":%d,"sources":%d}`+"\n",
					len(def.Projects), len(def.Scenarios), len(parsed.SourceFiles))
				return nil
			}

			fmt.Printf("Suite %q is valid: %d project(s), %d scenario(s), %d source file(s)\n",
				def.Suite.Name, len(def.Projects), len(def.Scenarios), len(parsed.SourceFiles))
			return nil
		},
	}

	return cmd
}
