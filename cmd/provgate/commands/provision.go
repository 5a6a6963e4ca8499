package commands

import (
	"fmt"
	"io"
	"maps"

	"github.com/spf13/cobra"

	"github.com/provgate/provgate/pkg/provisioning"
)

func newProvisionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Run provisioning requests without the HTTP server",
		Long: `Run provisioning requests in-process against the configured backends.

Each request goes through the same rule evaluation, connector call and audit
record as a request received by "provgate serve".`,
	}

	cmd.AddCommand(newProvisionOperationCommand(provisioning.OperationCreate, "Create an account"))
	cmd.AddCommand(newProvisionOperationCommand(provisioning.OperationUpdate, "Update an account"))
	cmd.AddCommand(newProvisionOperationCommand(provisioning.OperationDelete, "Delete an account"))
	cmd.AddCommand(newProvisionBatchCommand())

	return cmd
}

func newProvisionOperationCommand(op provisioning.Operation, short string) *cobra.Command {
	var (
		system    string
		accountID string
		attrPairs []string
		attrFile  string
	)

	cmd := &cobra.Command{
		Use:   string(op),
		Short: short,
		Example: fmt.Sprintf(`  # %[1]s on the default target
  provgate provision %[1]s --attr firstname=Jean --attr lastname=Dupont

  # %[1]s on a named system with attributes from a file
  provgate provision %[1]s --system odoo --account jdupont --file attrs.json`, op),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs := map[string]any{}
			if attrFile != "" {
				if err := readJSONFile(attrFile, cmd.InOrStdin(), &attrs); err != nil {
					return err
				}
			}
			flagAttrs, err := parseAttributes(attrPairs)
			if err != nil {
				return err
			}
			maps.Copy(attrs, flagAttrs)

			ctx := cmd.Context()
			a, err := newApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			resp := a.orch.Execute(ctx, provisioning.Request{
				Operation:    op,
				TargetSystem: system,
				AccountID:    accountID,
				Attributes:   attrs,
			})
			if err := printResponse(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if !resp.Succeeded() {
				return fmt.Errorf("%s failed: %s", op, resp.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&system, "system", "s", "", "target system (default: rules default_target)")
	cmd.Flags().StringVarP(&accountID, "account", "a", "", "account identifier")
	cmd.Flags().StringArrayVar(&attrPairs, "attr", nil, "raw attribute as key=value (repeatable)")
	cmd.Flags().StringVarP(&attrFile, "file", "f", "", "JSON object of raw attributes (- for stdin)")

	return cmd
}

func newProvisionBatchCommand() *cobra.Command {
	var parallelism int

	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Run a JSON array of requests concurrently",
		Long: `Run a batch of independent requests on a bounded worker pool.

The file holds a JSON array of requests:

  [{"operation": "create", "target_system": "ldap", "attributes": {...}},
   {"operation": "delete", "account_id": "uid=old,ou=people,dc=example,dc=com"}]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reqs []provisioning.Request
			if err := readJSONFile(args[0], cmd.InOrStdin(), &reqs); err != nil {
				return err
			}
			if len(reqs) == 0 {
				return fmt.Errorf("%s holds no requests", args[0])
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if parallelism <= 0 {
				parallelism = a.cfg.Provisioning.BatchParallelism
			}
			result := a.orch.Batch(ctx, reqs, parallelism)

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, result); err != nil {
					return err
				}
			} else {
				for i, resp := range result.Responses {
					fmt.Fprintf(out, "%4d  %-9s %-8s %-12s %s\n", i, resp.Outcome, resp.Operation, resp.TargetSystem, resp.Message)
				}
				s := result.Summary
				fmt.Fprintf(out, "\n%d requests: %d succeeded, %d not found, %d failed in %s\n",
					s.Total, s.Succeeded, s.NotFound, s.Failed, s.Duration)
			}

			if result.Summary.Failed > 0 || result.Summary.NotFound > 0 {
				return fmt.Errorf("%d of %d requests did not succeed",
					result.Summary.Failed+result.Summary.NotFound, result.Summary.Total)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 0, "concurrent requests (default: provisioning.batch_parallelism)")

	return cmd
}

func printResponse(w io.Writer, resp *provisioning.Response) error {
	if jsonOutput {
		return printJSON(w, resp)
	}

	fmt.Fprintf(w, "Status:      %s (%s)\n", resp.Status, resp.Outcome)
	fmt.Fprintf(w, "Request:     %s\n", resp.RequestID)
	fmt.Fprintf(w, "Target:      %s\n", resp.TargetSystem)
	if resp.Identifier != "" {
		fmt.Fprintf(w, "Identifier:  %s\n", resp.Identifier)
	}
	fmt.Fprintf(w, "Message:     %s\n", resp.Message)
	if resp.CalculatedAttributes != nil && len(resp.CalculatedAttributes.Keys) > 0 {
		fmt.Fprintln(w, "Attributes:")
		for _, k := range resp.CalculatedAttributes.Keys {
			fmt.Fprintf(w, "  %s: %s\n", k, resp.CalculatedAttributes.Values[k])
		}
	}
	if d := resp.ErrorDetail; d != nil {
		fmt.Fprintf(w, "Error:       %s at %s\n", d.Kind, d.Stage)
		if d.Attribute != "" {
			fmt.Fprintf(w, "Attribute:   %s\n", d.Attribute)
		}
	}
	return nil
}
