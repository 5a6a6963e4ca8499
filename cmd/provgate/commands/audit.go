package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/provgate/provgate/pkg/audit"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail",
	}

	cmd.AddCommand(newAuditListCommand())

	return cmd
}

func newAuditListCommand() *cobra.Command {
	var (
		filter audit.Filter
		status string
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit records, newest first",
		Example: `  # Failed requests of the last day
  provgate audit list --status error --since 24h

  # Everything that happened to one account
  provgate audit list --account uid=jean.dupont,ou=people,dc=example,dc=com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig("")
			if err != nil {
				return err
			}
			if !cfg.Audit.Queryable() || cfg.Audit.Driver == "memory" {
				return fmt.Errorf("audit driver %q does not keep a queryable trail", cfg.Audit.Driver)
			}

			store, err := audit.OpenSQLStore(ctx, audit.StoreConfig{Driver: cfg.Audit.Driver, DSN: cfg.Audit.DSN})
			if err != nil {
				return fmt.Errorf("failed to open audit store: %w", err)
			}
			defer store.Close()

			filter.Status = audit.Status(status)
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			records, err := store.List(ctx, filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, records)
			}
			for _, rec := range records {
				fmt.Fprintf(out, "%s  %-10s %s\n",
					rec.Timestamp.Local().Format(time.DateTime), rec.TargetSystem, rec.Descriptor)
			}
			fmt.Fprintf(out, "%d records\n", len(records))
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Action, "action", "", "filter by operation (create, update, delete)")
	cmd.Flags().StringVar(&filter.AccountID, "account", "", "filter by account identifier")
	cmd.Flags().StringVarP(&filter.TargetSystem, "system", "s", "", "filter by target system")
	cmd.Flags().StringVar(&filter.RequestID, "request", "", "filter by request ID")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (success, error)")
	cmd.Flags().DurationVar(&since, "since", 0, "only records newer than this duration")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", audit.DefaultListLimit, "maximum records")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "records to skip")

	return cmd
}
