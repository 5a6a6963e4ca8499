package commands

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/provgate/provgate/pkg/rules"
	"github.com/provgate/provgate/pkg/template"
)

func newRulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and check rule documents",
	}

	cmd.AddCommand(newRulesValidateCommand())
	cmd.AddCommand(newRulesShowCommand())
	cmd.AddCommand(newRulesRenderCommand())

	return cmd
}

// rulesPath returns the path argument, or rules.path from the configuration.
func rulesPath(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := loadConfig("")
	if err != nil {
		return "", err
	}
	return cfg.Rules.Path, nil
}

func newRulesValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a rule document",
		Long: `Validate a rule document without applying it.

This command checks:
  - YAML or CUE syntax
  - Conformance to the rule document schema
  - Template syntax of every mapping
  - Known connector kinds
  - Rules that reference each other in a cycle`,
		Example: `  # Validate the configured rules
  provgate rules validate

  # Validate a candidate file, failing on cycles
  provgate rules validate --strict ./rules.next.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := rulesPath(args)
			if err != nil {
				return err
			}

			engine, err := newEngine(cmd.Context(), path, zerolog.Nop())
			if err != nil {
				return err
			}
			snap := engine.Snapshot()
			cycles := snap.Cycles()

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, map[string]any{
					"valid":    len(cycles) == 0 || !strict,
					"source":   path,
					"checksum": snap.Checksum,
					"systems":  snap.SystemNames(),
					"cycles":   cycles,
				}); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "%s: %d target systems\n", path, len(snap.Systems))
				for _, name := range snap.SystemNames() {
					rs, _ := snap.RuleSet(name)
					fmt.Fprintf(out, "  %-16s connector=%-7s identifier=%-10s rules=%d\n",
						name, rs.Connector, rs.Identifier, len(rs.Mappings))
				}
				for _, name := range sortedKeys(cycles) {
					fmt.Fprintf(out, "warning: %s: rules %s reference each other\n",
						name, strings.Join(cycles[name], ", "))
				}
			}

			if strict && len(cycles) > 0 {
				return fmt.Errorf("%d target systems contain rule cycles", len(cycles))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat rule cycles as errors")

	return cmd
}

func newRulesShowCommand() *cobra.Command {
	var system string

	cmd := &cobra.Command{
		Use:   "show [path]",
		Short: "Show loaded rules with secrets masked",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := rulesPath(args)
			if err != nil {
				return err
			}
			engine, err := newEngine(cmd.Context(), path, zerolog.Nop())
			if err != nil {
				return err
			}
			desc, err := engine.Describe()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if system != "" {
				sd, ok := desc.Systems[system]
				if !ok {
					return &rules.UnknownSystemError{System: system}
				}
				desc.Systems = map[string]rules.SystemDescription{system: sd}
			}
			if jsonOutput {
				return printJSON(out, desc)
			}

			for _, name := range sortedKeys(desc.Systems) {
				sd := desc.Systems[name]
				fmt.Fprintf(out, "[%s] connector=%s identifier=%s\n", name, sd.Connector, sd.Identifier)
				if len(sd.SchemaMarkers) > 0 {
					fmt.Fprintf(out, "  schema: %s\n", strings.Join(sd.SchemaMarkers, ", "))
				}
				for _, k := range sortedKeys(sd.Server) {
					fmt.Fprintf(out, "  server.%s = %v\n", k, sd.Server[k])
				}
				for _, m := range sd.Mappings {
					fmt.Fprintf(out, "  %s = %s\n", m.Attribute, m.Template)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&system, "system", "s", "", "only show this target system")

	return cmd
}

func newRulesRenderCommand() *cobra.Command {
	var (
		system    string
		attrPairs []string
		attrFile  string
		only      []string
		expr      string
	)

	cmd := &cobra.Command{
		Use:   "render [path]",
		Short: "Compute target attributes without calling a backend",
		Long: `Compute the attributes a request would produce, without calling a backend.

With --template, the given template is evaluated against the raw and computed
attributes instead, to try out a rule before adding it.

Available filters: ` + strings.Join(template.Filters(), ", "),
		Example: `  # Preview the LDAP attributes for a new hire
  provgate rules render --system ldap --attr firstname=Jean --attr lastname=Dupont

  # Resolve only the identifier
  provgate rules render --system ldap --only dn --attr firstname=Jean --attr lastname=Dupont

  # Try a rule against the computed attributes
  provgate rules render --template "{{ login|upper }}" --attr firstname=Jean --attr lastname=Dupont`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := rulesPath(args)
			if err != nil {
				return err
			}

			raw := map[string]any{}
			if attrFile != "" {
				if err := readJSONFile(attrFile, cmd.InOrStdin(), &raw); err != nil {
					return err
				}
			}
			flagAttrs, err := parseAttributes(attrPairs)
			if err != nil {
				return err
			}
			maps.Copy(raw, flagAttrs)

			ctx := cmd.Context()
			engine, err := newEngine(ctx, path, zerolog.Nop())
			if err != nil {
				return err
			}
			if system == "" {
				system = engine.DefaultTarget()
			}

			var calc *rules.Calculated
			if len(only) > 0 {
				calc, err = engine.ResolveAttributes(ctx, system, raw, only...)
			} else {
				calc, err = engine.ApplyRules(ctx, system, raw)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if expr != "" {
				tctx := engine.Snapshot().Context(raw)
				for k, v := range calc.Values {
					tctx[k] = v
				}
				value, err := template.Resolve(expr, tctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, map[string]string{"template": expr, "value": value})
				}
				fmt.Fprintln(out, value)
				return nil
			}

			if jsonOutput {
				return printJSON(out, calc)
			}
			for _, k := range calc.Keys {
				fmt.Fprintf(out, "%s: %s\n", k, calc.Values[k])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&system, "system", "s", "", "target system (default: rules default_target)")
	cmd.Flags().StringArrayVar(&attrPairs, "attr", nil, "raw attribute as key=value (repeatable)")
	cmd.Flags().StringVarP(&attrFile, "file", "f", "", "JSON object of raw attributes (- for stdin)")
	cmd.Flags().StringSliceVar(&only, "only", nil, "compute only these attributes and their dependencies")
	cmd.Flags().StringVar(&expr, "template", "", "evaluate this template against the raw and computed attributes")

	return cmd
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
