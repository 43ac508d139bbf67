package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"guidance-engine/internal/fixture"
	"guidance-engine/internal/rules"
)

// EvalResult is the JSON output of eval.
type EvalResult struct {
	Satisfied  bool              `json:"satisfied"`
	Conditions []rules.Condition `json:"conditions"`
}

func NewEvalCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "eval <scenario.yaml>",
		Short: "Evaluate a rule tree against a described page and user",
		Long: `Evaluate the rules of a scenario file against the page elements and
user attributes it describes, printing each condition's result.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(rootOpts, args[0], cmd)
		},
	}
}

func runEval(opts *RootOptions, path string, cmd *cobra.Command) error {
	s, err := fixture.LoadScenario(path)
	if err != nil {
		return err
	}

	lg := zerolog.Nop()
	if opts.Verbose {
		lg = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(zerolog.DebugLevel)
	}
	eng := rules.New(rules.Options{
		Page:       s.Page.Build(),
		Logger:     &lg,
		Attributes: func() map[string]any { return s.User.Attributes },
	})
	defer eng.Close()

	out := eng.Evaluate(cmd.Context(), s.Rules, nil)
	res := EvalResult{Satisfied: rules.IsSatisfied(out), Conditions: out}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printTree(w, out, 0)
	if res.Satisfied {
		fmt.Fprintln(w, "✓ satisfied")
	} else {
		fmt.Fprintln(w, "✗ not satisfied")
	}
	return nil
}

func printTree(w io.Writer, conds []rules.Condition, depth int) {
	for _, c := range conds {
		mark := "✗"
		if c.Actived {
			mark = "✓"
		}
		label := string(c.Type)
		if c.Type == rules.KindGroup {
			label += " " + string(c.Logic)
		}
		if c.ID != "" {
			label += " (" + c.ID + ")"
		}
		fmt.Fprintf(w, "%s%s %s\n", strings.Repeat("  ", depth), mark, label)
		printTree(w, c.Conditions, depth+1)
	}
}
