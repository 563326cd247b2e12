package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/querysql"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on journal.tx_id
const currentSchemaVersion = 1

// Clock stamps server-derived timestamp fields.
type Clock interface {
	Next() int64
}

// wallClock stamps with Unix milliseconds.
type wallClock struct{}

func (wallClock) Next() int64 { return time.Now().UnixMilli() }

// Store is the authoritative backend for collections: one SQLite table
// per collection with real UNIQUE and FOREIGN KEY constraints, plus an
// append-only journal of mutation batches.
type Store struct {
	db     *sql.DB
	clock  Clock
	logger *slog.Logger

	mu    sync.RWMutex
	specs map[string]*ir.CollectionSpec
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for timestamp fields and journal rows.
// Default: wall clock in Unix milliseconds.
func WithClock(c Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	// Open database (creates file if doesn't exist)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection works
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:     db,
		clock:  wallClock{},
		logger: slog.Default(),
		specs:  make(map[string]*ir.CollectionSpec),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EnsureCollections creates the tables for specs (if missing) in one
// transaction and registers the specs for CRUD.
func (s *Store) EnsureCollections(ctx context.Context, specs []*ir.CollectionSpec) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ensure collections: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, spec := range specs {
		if spec.Local {
			continue
		}
		ddl, err := querysql.CreateTable(spec)
		if err != nil {
			return fmt.Errorf("ensure collections: %w", err)
		}
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure collections: create %s: %w", spec.Name, err)
		}
		specJSON, err := json.Marshal(spec)
		if err != nil {
			return fmt.Errorf("ensure collections: marshal %s: %w", spec.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO collections (name, spec) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET spec = excluded.spec
		`, spec.Name, string(specJSON)); err != nil {
			return fmt.Errorf("ensure collections: register %s: %w", spec.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ensure collections: commit: %w", err)
	}

	s.mu.Lock()
	for _, spec := range specs {
		if !spec.Local {
			s.specs[spec.Name] = spec
		}
	}
	s.mu.Unlock()
	s.logger.Debug("collections ensured", "event", "ensure_collections", "count", len(specs))
	return nil
}

// Specs loads the collection specs registered in the database, in name
// order, and registers them for CRUD.
func (s *Store) Specs(ctx context.Context) ([]*ir.CollectionSpec, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT spec FROM collections ORDER BY name COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("query collections: %w", err)
	}
	defer rows.Close()

	specs := []*ir.CollectionSpec{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		var spec ir.CollectionSpec
		if err := json.Unmarshal([]byte(data), &spec); err != nil {
			return nil, fmt.Errorf("decode collection spec: %w", err)
		}
		specs = append(specs, &spec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collections: %w", err)
	}

	s.mu.Lock()
	for _, spec := range specs {
		if _, ok := s.specs[spec.Name]; !ok {
			s.specs[spec.Name] = spec
		}
	}
	s.mu.Unlock()
	return specs, nil
}

// Spec returns a registered collection spec.
func (s *Store) Spec(name string) (*ir.CollectionSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[name]
	return spec, ok
}

func (s *Store) mustSpec(name string) (*ir.CollectionSpec, error) {
	spec, ok := s.Spec(name)
	if !ok {
		return nil, ir.Errorf(ir.ErrCodeNetwork, name, "collection is not registered with the store")
	}
	return spec, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 indexes the journal by transaction for `livedb journal --tx`.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_journal_tx ON journal(tx_id)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
