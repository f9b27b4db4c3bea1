package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/procflow/internal/model"
	"github.com/roach88/procflow/internal/store"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Models []ModelSummary    `json:"models,omitempty"`
	Errors []model.Violation `json:"errors,omitempty"`
}

// ModelSummary describes a loaded or deployed model.
type ModelSummary struct {
	Handle  store.Handle `json:"handle,omitempty"`
	Name    string       `json:"name"`
	Version int          `json:"version"`
	Nodes   int          `json:"nodes"`
	Starts  []string     `json:"starts"`
	Ends    []string     `json:"ends"`
}

func summarize(m *model.Model) ModelSummary {
	s := ModelSummary{
		Name:    m.Name(),
		Version: m.Version(),
		Nodes:   len(m.Nodes()),
		Starts:  m.StartNodes(),
		Ends:    m.EndNodes(),
	}
	if m.Handle().Valid() {
		s.Handle = m.Handle()
	}
	return s
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <model-file>",
		Short: "Validate process models without deploying them",
		Long: `Load the process models in a CUE or YAML file and check their graphs.

Exit codes:
  0 - All models valid
  1 - A model graph is malformed
  2 - The file could not be loaded`,
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
	formatter := newFormatter(opts, cmd)

	models, err := loadModels(formatter, path)
	if err != nil {
		return err
	}

	result := ValidationResult{Valid: true}
	for _, m := range models {
		formatter.VerboseLog("Validated model %s (%d nodes)", m, len(m.Nodes()))
		result.Models = append(result.Models, summarize(m))
	}

	return formatter.Emit(result, func(w io.Writer) {
		for _, s := range result.Models {
			fmt.Fprintf(w, "✓ %s v%d (%d nodes)\n", s.Name, s.Version, s.Nodes)
		}
		fmt.Fprintln(w, "✓ All models valid")
	})
}

// loadModels loads a model file and reports load and validation failures
// through formatter.
func loadModels(formatter *OutputFormatter, path string) ([]*model.Model, error) {
	models, err := model.Load(path)
	if err == nil {
		return models, nil
	}

	var illegal *model.IllegalModelError
	if errors.As(err, &illegal) {
		return nil, outputViolations(formatter, illegal)
	}

	var loadErr *model.LoadError
	if errors.As(err, &loadErr) {
		_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
		return nil, WrapExitError(ExitCommandError, "failed to load models", err)
	}

	_ = formatter.Error(model.ErrCodeGeneric, err.Error(), nil)
	return nil, WrapExitError(ExitCommandError, "failed to load models", err)
}

func outputViolations(formatter *OutputFormatter, e *model.IllegalModelError) error {
	exitErr := NewExitError(ExitFailure,
		fmt.Sprintf("model %q is illegal: %d violation(s)", e.Model, len(e.Violations)))

	if formatter.Format == "json" {
		first := &CLIError{Code: model.ErrCodeGeneric, Message: e.Error()}
		if len(e.Violations) > 0 {
			first = &CLIError{Code: e.Violations[0].Code, Message: e.Violations[0].Message}
		}
		resp := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: e.Violations},
			Error:  first,
		}
		if err := formatter.encode(resp); err != nil {
			return err
		}
		return exitErr
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✗ Model %q is illegal\n\n", e.Model)
	for _, v := range e.Violations {
		if v.Node != "" {
			fmt.Fprintf(w, "node %s\n", v.Node)
		}
		fmt.Fprintf(w, "  %s: %s\n\n", v.Code, v.Message)
	}
	return exitErr
}
