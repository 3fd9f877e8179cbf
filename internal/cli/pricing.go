package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the pricing table compiles",
		Long: `Loads the configuration and compiles every action and tier.
Formula syntax errors, unknown tiers and malformed specs are reported
with the offending action.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := opts.pricingEngine(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			actions := eng.Resolver().Actions()
			tiers := eng.Tiers().All()
			if opts.jsonOutput {
				return writeJSON(cmd, map[string]any{
					"valid":    true,
					"actions":  len(actions),
					"formulas": eng.Resolver().Formulas(),
					"tiers":    len(tiers),
				})
			}

			okColor.Fprint(out, "✓ ") //nolint:errcheck // terminal output
			printf(out, "pricing is valid: %d actions (%d formulas), %d tiers\n",
				len(actions), eng.Resolver().Formulas(), len(tiers))
			for _, t := range tiers {
				dimColor.Fprintf(out, "  tier %-12s rank %d  cap %s\n", t.Name, t.Rank, t.CreditCap) //nolint:errcheck // terminal output
			}
			if len(actions) == 0 {
				warnColor.Fprintln(out, "warning: no actions are priced") //nolint:errcheck // terminal output
			}
			return nil
		},
	}
}

func newQuoteCommand(opts *rootOptions) *cobra.Command {
	var (
		tierName string
		vars     []string
	)

	cmd := &cobra.Command{
		Use:   "quote ACTION",
		Short: "Price an action without charging anyone",
		Example: `  credits quote send-email
  credits quote generate-post --tier pro --var input_tokens=2000 --var output_tokens=500`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variables, err := parseVars(vars)
			if err != nil {
				return err
			}

			eng, err := opts.pricingEngine(cmd)
			if err != nil {
				return err
			}

			calc, err := eng.Resolver().Resolve(args[0], tierName, variables)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return writeJSON(cmd, calc)
			}

			out := cmd.OutOrStdout()
			printf(out, "%s costs %s credits\n", args[0], calc.FinalCost.StringFixed(2))
			if calc.IsDynamic {
				dimColor.Fprintf(out, "  formula  %s\n", calc.Formula)                                   //nolint:errcheck // terminal output
				dimColor.Fprintf(out, "  raw      %s\n", strconv.FormatFloat(calc.RawCost, 'f', -1, 64)) //nolint:errcheck // terminal output
				names := make([]string, 0, len(calc.Variables))
				for name := range calc.Variables {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					dimColor.Fprintf(out, "  %s = %s\n", name, strconv.FormatFloat(calc.Variables[name], 'f', -1, 64)) //nolint:errcheck // terminal output
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&tierName, "tier", "t", "", "price as this tier")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "formula variable as name=value (repeatable)")
	return cmd
}

// parseVars turns name=value pairs into a variable map. No pairs yields nil
// so formulas with a fixed default fall back to it.
func parseVars(pairs []string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q: want name=value", pair)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --var %q: %w", pair, err)
		}
		out[name] = f
	}
	return out, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
