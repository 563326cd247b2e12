package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/queryir"
	"github.com/roach88/livedb/internal/querysql"
)

// ExplainOptions holds flags for the explain command.
type ExplainOptions struct {
	*RootOptions
	Schema string
	Bind   []string
}

// Explanation is the JSON payload of the explain command.
type Explanation struct {
	Collections []string `json:"collections"`
	Bindings    []string `json:"bindings,omitempty"`
	Portable    bool     `json:"portable"`
	Warnings    []string `json:"warnings,omitempty"`
	SQL         string   `json:"sql,omitempty"`
	Params      []any    `json:"params,omitempty"`
}

// NewExplainCommand creates the explain command.
func NewExplainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExplainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "explain <query.yaml>",
		Short: "Show the SQL of a query",
		Long: `Check a query file against the schema and print the parameterized SQL
the backend would run for it.

Queries outside the portable fragment (sync-state filters, pending keys,
null literals) are reported with their warnings and no SQL.

Example:
  livedb explain feed.yaml
  livedb explain --bind author=1 by_author.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExplain(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Schema, "schema", "", "schema directory (default: built-in CMS schema)")
	cmd.Flags().StringArrayVar(&opts.Bind, "bind", nil, "query binding as name=value (repeatable)")

	return cmd
}

func runExplain(opts *ExplainOptions, queryFile string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	s, err := loadSchema(opts.Schema)
	if err != nil {
		return commandError(formatter, ErrCodeBuildFailed, "failed to load schema", err)
	}
	q, err := loadQuery(queryFile, s)
	if err != nil {
		return commandError(formatter, ErrCodeQueryInvalid, "invalid query", err)
	}
	bindings, err := parseBindings(opts.Bind)
	if err != nil {
		return commandError(formatter, ErrCodeQueryInvalid, "invalid binding", err)
	}

	exp, err := explain(q, bindings, schemaLookup(s))
	if err != nil {
		return commandError(formatter, ErrCodeQueryInvalid, "cannot compile query", err)
	}

	if opts.Format == "json" {
		return formatter.Success(exp)
	}
	printExplanation(formatter, exp)
	return nil
}

// explain compiles q when it is portable. Bindings missing from bindings
// compile to NULL placeholders so the shape of the SQL is still shown.
func explain(q *queryir.Query, bindings ir.IRObject, lookup queryir.Lookup) (Explanation, error) {
	v := queryir.Validate(q)
	exp := Explanation{
		Collections: q.Collections(),
		Bindings:    q.Bindings(),
		Portable:    v.IsPortable,
		Warnings:    v.Warnings,
	}
	if !v.IsPortable {
		return exp, nil
	}

	c := querysql.NewSQLCompiler(lookup)
	for _, name := range exp.Bindings {
		if _, ok := bindings[name]; !ok {
			bindings = bindings.With(name, ir.IRNull{})
		}
	}
	c.BoundValues = bindings
	sqlText, params, err := c.Compile(q)
	if err != nil {
		return exp, err
	}
	exp.SQL = sqlText
	exp.Params = params
	return exp, nil
}

func printExplanation(formatter *OutputFormatter, exp Explanation) {
	w := formatter.Writer
	fmt.Fprintf(w, "collections: %v\n", exp.Collections)
	if len(exp.Bindings) > 0 {
		fmt.Fprintf(w, "bindings:    %v\n", exp.Bindings)
	}
	if !exp.Portable {
		fmt.Fprintln(w, "✗ not portable")
		for _, warn := range exp.Warnings {
			fmt.Fprintf(w, "  %s\n", warn)
		}
		return
	}
	fmt.Fprintln(w, "✓ portable")
	fmt.Fprintln(w)
	fmt.Fprintln(w, exp.SQL)
	if len(exp.Params) > 0 {
		fmt.Fprintf(w, "params: %v\n", exp.Params)
	}
}
