package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentofreality/drasi-test-infra/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool     `json:"valid"`
	Sources []string `json:"sources,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate a test host configuration file",
		Long: `Validate a test host configuration file without running anything.

Checks the YAML shape against the configuration schema, then the semantic
rules: unique source ids, coherent pacing selections, complete sink and
trigger definitions.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:  opts.Format,
		Writer:  cmd.OutOrStdout(),
		Verbose: opts.Verbose,
	}

	cfg, err := config.Load(path)
	if err == nil {
		err = checkSemantics(cfg)
	}
	if err != nil {
		result := ValidationResult{Valid: false, Error: err.Error()}
		printErr := formatter.Print(result, func(w io.Writer) {
			fmt.Fprintf(w, "invalid: %v\n", err)
		})
		if printErr != nil {
			return printErr
		}
		return WrapExitError(ExitFailure, "configuration invalid", err)
	}

	ids := make([]string, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		ids = append(ids, sc.ID)
	}
	return formatter.Print(ValidationResult{Valid: true, Sources: ids}, func(w io.Writer) {
		fmt.Fprintf(w, "valid: %d source(s)\n", len(ids))
		for _, id := range ids {
			fmt.Fprintf(w, "  %s\n", id)
		}
	})
}

// checkSemantics resolves the derived settings of every source, surfacing
// the errors Load cannot see from shape alone.
func checkSemantics(cfg *config.Config) error {
	for i := range cfg.Sources {
		sc := &cfg.Sources[i]
		if _, err := sc.Plan(); err != nil {
			return err
		}
		if _, err := sc.DispatchConfig(); err != nil {
			return err
		}
		if _, err := sc.TriggerSpecs(); err != nil {
			return err
		}
		if sc.Kind == "market" {
			if _, err := sc.MarketConfig(); err != nil {
				return err
			}
		}
	}
	return nil
}
