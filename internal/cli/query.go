package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/livedb/internal/cms"
	"github.com/roach88/livedb/internal/engine"
	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/queryir"
	"github.com/roach88/livedb/internal/querysql"
	"github.com/roach88/livedb/internal/registry"
	"github.com/roach88/livedb/internal/schema"
	"github.com/roach88/livedb/internal/store"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Database string
	Schema   string
	Bind     []string
	Backend  bool // evaluate the compiled SQL on the database instead of the live engine
}

// QueryResult is the JSON payload of the query command.
type QueryResult struct {
	Rows  []ir.IRObject `json:"rows"`
	Count int           `json:"count"`
	One   bool          `json:"one,omitempty"`
	Found bool          `json:"found,omitempty"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <query.yaml>",
		Short: "Evaluate a query against a database",
		Long: `Load the collections a query reads from a SQLite backend and print
the query result as the live engine computes it.

Without --schema the built-in CMS schema is used. --backend runs the
compiled SQL on the database instead, which only accepts queries in the
portable fragment.

Example:
  livedb query --db ./cms.db feed.yaml
  livedb query --db ./cms.db --bind author=1 by_author.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Schema, "schema", "", "schema directory (default: built-in CMS schema)")
	cmd.Flags().StringArrayVar(&opts.Bind, "bind", nil, "query binding as name=value (repeatable)")
	cmd.Flags().BoolVar(&opts.Backend, "backend", false, "evaluate on the database with compiled SQL")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runQuery(opts *QueryOptions, queryFile string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

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

	if _, err := os.Stat(opts.Database); err != nil {
		return commandError(formatter, ErrCodeNotFound, "database not found", err)
	}
	st, err := store.Open(opts.Database, store.WithLogger(logger))
	if err != nil {
		return commandError(formatter, ErrCodeDatabase, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := st.EnsureCollections(ctx, cms.Remote(s)); err != nil {
		return commandError(formatter, ErrCodeDatabase, "failed to prepare collections", err)
	}

	var result QueryResult
	if opts.Backend {
		result, err = queryBackend(ctx, st, s, q, bindings)
	} else {
		result, err = queryLive(ctx, st, s, q, bindings, filepath.Dir(opts.Database), logger)
	}
	if err != nil {
		return commandError(formatter, ErrCodeQueryFailed, "query failed", err)
	}
	logger.Debug("query evaluated", "event", "query", "file", queryFile, "rows", result.Count, "backend", opts.Backend)

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	return printRows(formatter, result)
}

// queryLive loads the collections the query reads into a fresh engine
// and evaluates it there.
func queryLive(ctx context.Context, st *store.Store, s *schema.Schema, q *queryir.Query, bindings ir.IRObject, localDir string, logger *slog.Logger) (QueryResult, error) {
	reg := registry.New()
	if err := cms.Register(reg, s, cms.Backend{Remote: st, LocalDir: localDir}); err != nil {
		return QueryResult{}, err
	}
	eng := engine.New(reg, engine.WithAutoRefresh(false))
	defer eng.Stop()

	names := q.Collections()
	logger.Debug("loading collections", "collections", strings.Join(names, ","))
	if err := eng.Load(ctx, names...); err != nil {
		return QueryResult{}, err
	}
	res, err := eng.Live().Query(q, bindings)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Rows: res.Rows, Count: res.Len(), One: res.One, Found: res.Found}, nil
}

// queryBackend runs the compiled SQL directly.
func queryBackend(ctx context.Context, st *store.Store, s *schema.Schema, q *queryir.Query, bindings ir.IRObject) (QueryResult, error) {
	if v := queryir.Validate(q); !v.IsPortable {
		return QueryResult{}, fmt.Errorf("query is not portable: %s", strings.Join(v.Warnings, "; "))
	}
	c := querysql.NewSQLCompiler(schemaLookup(s))
	c.BoundValues = bindings
	sqlText, params, err := c.Compile(q)
	if err != nil {
		return QueryResult{}, err
	}
	rows, err := st.Select(ctx, sqlText, params)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Rows: rows, Count: len(rows), One: q.One, Found: q.One && len(rows) > 0}, nil
}

// loadQuery reads a query file and checks it against the schema.
func loadQuery(path string, s *schema.Schema) (*queryir.Query, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	spec, err := queryir.ParseSpec(data)
	if err != nil {
		return nil, err
	}
	q, err := spec.Query()
	if err != nil {
		return nil, err
	}
	if err := queryir.Check(q, schemaLookup(s)); err != nil {
		return nil, err
	}
	return q, nil
}

func schemaLookup(s *schema.Schema) queryir.Lookup {
	return func(name string) (*ir.CollectionSpec, bool) {
		c, ok := s.Contract(name)
		if !ok {
			return nil, false
		}
		return c.Spec(), true
	}
}

// parseBindings turns name=value pairs into query bindings. Values are
// read as YAML scalars, so 1 is an int and true a bool.
func parseBindings(pairs []string) (ir.IRObject, error) {
	out := ir.IRObject{}
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("binding %q: want name=value", pair)
		}
		var decoded any
		if err := yaml.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, fmt.Errorf("binding %q: %w", name, err)
		}
		v, err := ir.FromGo(decoded)
		if err != nil {
			return nil, fmt.Errorf("binding %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// printRows writes one canonical JSON line per row.
func printRows(formatter *OutputFormatter, result QueryResult) error {
	if result.One && !result.Found {
		fmt.Fprintln(formatter.Writer, "(not found)")
		return nil
	}
	for _, row := range result.Rows {
		line, err := ir.EncodeCanonical(row)
		if err != nil {
			return err
		}
		fmt.Fprintln(formatter.Writer, string(line))
	}
	fmt.Fprintf(formatter.Writer, "(%d rows)\n", result.Count)
	return nil
}

