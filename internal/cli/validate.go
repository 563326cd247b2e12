package cli

import (
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/roach88/livedb/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid       bool                       `json:"valid"`
	Collections []string                   `json:"collections,omitempty"`
	Errors      []compiler.ValidationError `json:"errors,omitempty"`
	Warnings    []compiler.CycleWarning    `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <schema-dir>",
		Short: "Validate a collection schema",
		Long: `Validate the CUE collection schema in a directory.

Checks field types, references, unique groups, timestamp stamping and
parent links without opening a database.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, schemaDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	result, err := LoadSchemaDir(schemaDir)
	if result == nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message, nil)
		}
		return outputValidateError(formatter, ErrCodeGeneric, err.Error(), nil)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", result.FileCount, schemaDir)

	if err != nil {
		return outputValidationErrors(formatter, validationErrors(result, err))
	}

	names := make([]string, 0, len(result.Specs))
	for _, spec := range result.Specs {
		formatter.VerboseLog("Validated collection: %s", spec.Name)
		names = append(names, spec.Name)
	}
	sort.Strings(names)

	warnings := compiler.AnalyzeReferences(result.Specs)
	return outputValidateSuccess(formatter, names, warnings)
}

// validationErrors expands a load failure into the full list of schema
// problems. Compile errors stop at the first; validation reports them all.
func validationErrors(result *LoadResult, err error) []compiler.ValidationError {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return []compiler.ValidationError{{
			Field:   "schema",
			Message: loadErr.Message,
			Code:    loadErr.Code,
			Line:    lineOf(loadErr),
		}}
	}
	if result.Specs != nil {
		if errs := compiler.Validate(result.Specs); len(errs) > 0 {
			return errs
		}
	}
	return []compiler.ValidationError{{Field: "schema", Message: err.Error(), Code: ErrCodeGeneric}}
}

func lineOf(e *LoadError) int {
	if e.Pos.IsValid() {
		return e.Pos.Line()
	}
	return 0
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, collections []string, warnings []compiler.CycleWarning) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Collections: collections, Warnings: warnings})
	}

	fmt.Fprintf(formatter.Writer, "✓ All collections valid (%d)\n", len(collections))
	for _, w := range warnings {
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", w.Level, w.Message)
	}
	return nil
}

// outputValidateError outputs a single validation error.
func outputValidateError(formatter *OutputFormatter, code, message string, details interface{}) error {
	_ = formatter.Error(code, message, details)
	// Validation errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		if err.Field != "" && err.Field != "schema" {
			fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
			continue
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", err.Code, err.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
