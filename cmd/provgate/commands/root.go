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
		Use:   "provgate",
		Short: "provgate - identity provisioning gateway",
		Long: `provgate receives account lifecycle requests from an identity-governance
system, derives target attributes from declarative rules and applies them to
directory, database and business-application backends.

Features:
  - Declarative attribute rules in YAML or CUE, reloaded without restart
  - LDAP, SQL and Odoo connectors behind one interface
  - Audit trail on SQLite or PostgreSQL
  - Prometheus metrics and OpenTelemetry traces`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML or CUE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newRulesCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newHealthCommand())

	return rootCmd
}
