package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check rules and backend connectivity",
		Long: `Load the rules and test the connection of every configured target system.

Exits non-zero when any backend is unreachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			report := a.orch.Health(ctx)

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "Status: %s (rules version %d)\n", report.Status, report.RulesVersion)
				for _, name := range sortedKeys(report.Systems) {
					sh := report.Systems[name]
					state := "reachable"
					if !sh.Reachable {
						state = "unreachable"
						if sh.Error != "" {
							state += ": " + sh.Error
						}
					}
					fmt.Fprintf(out, "  %-16s %-7s %s\n", name, sh.Connector, state)
				}
			}

			if report.Status != "ok" {
				return fmt.Errorf("gateway is %s", report.Status)
			}
			return nil
		},
	}
}
