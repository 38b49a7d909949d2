package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gauntlet-dev/gauntlet/pkg/compliance"
)

func newPoliciesCommand() *cobra.Command {
	var policyPaths []string

	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List compliance policies",
		Long: `List the built-in Rego compliance policies plus any loaded from
disk, with their severities.`,
		Example: `  # Built-in policies only
  gauntlet policies

  # Include a local policy directory
  gauntlet policies --policy ./policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := compliance.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			if len(policyPaths) > 0 {
				if err := engine.LoadPolicies(cmd.Context(), policyPaths); err != nil {
					return err
				}
			}

			policies := engine.ListPolicies()

			if jsonOutput {
				out, err := json.MarshalIndent(policies, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tDESCRIPTION")
			for _, p := range policies {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", p.Name, p.Severity, p.Enabled, p.Description)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "additional .rego policy files or directories")

	return cmd
}
