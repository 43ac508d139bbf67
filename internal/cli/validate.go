package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"guidance-engine/internal/fixture"
)

// ErrInvalid is returned when a bundle fails validation.
var ErrInvalid = errors.New("content bundle is invalid")

type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Contents int      `json:"contents"`
	Errors   []string `json:"errors,omitempty"`
}

func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "validate <bundle.yaml>",
		Short:        "Check content definitions for structural problems",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	b, err := fixture.LoadBundle(path)
	if err != nil {
		return err
	}
	res := ValidationResult{Valid: true, Contents: len(b.Contents)}
	if err := fixture.Validate(b.Contents); err != nil {
		res.Valid = false
		res.Errors = strings.Split(err.Error(), "\n")
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		if err := json.NewEncoder(w).Encode(res); err != nil {
			return err
		}
	} else if res.Valid {
		fmt.Fprintf(w, "✓ %d contents valid\n", res.Contents)
	} else {
		for _, e := range res.Errors {
			fmt.Fprintf(w, "✗ %s\n", e)
		}
	}
	if !res.Valid {
		return ErrInvalid
	}
	return nil
}
