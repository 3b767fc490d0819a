package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jjuanino/clame/internal/version"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added lookup indexes on requisites.name and conflicts.name
const currentSchemaVersion = 1

// DefaultBusyTimeout bounds how long a write waits for another process
// holding the database lock.
const DefaultBusyTimeout = 60 * time.Second

var (
	// ErrNotRegistered is returned when a patch version has no row.
	ErrNotRegistered = errors.New("patch version not registered")

	// ErrAlreadyRegistered is returned by Register for an existing row.
	ErrAlreadyRegistered = errors.New("patch version already registered")
)

// Registry is the durable record of installed patch versions.
type Registry struct {
	db          *sql.DB
	busyTimeout time.Duration
}

// Option configures Open.
type Option func(*Registry)

// WithBusyTimeout overrides DefaultBusyTimeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(r *Registry) { r.busyTimeout = d }
}

// Open creates or opens the registry database at path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - a bounded busy timeout for lock contention
//   - Foreign key enforcement
func Open(path string, opts ...Option) (*Registry, error) {
	r := &Registry{busyTimeout: DefaultBusyTimeout}
	for _, opt := range opts {
		opt(r)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection: pragmas are per connection and SQLite has a single
	// writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db, r.busyTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	r.db = db
	return r, nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func applyPragmas(db *sql.DB, busy time.Duration) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

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
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if v < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 indexes the name columns scanned by Dependents and
// ConflictsAgainst.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_requisites_name ON requisites(name);
		CREATE INDEX IF NOT EXISTS idx_conflicts_name ON conflicts(name);
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// versionID resolves the row id of pv.
func versionID(ctx context.Context, q querier, pv version.PatchVersion) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT id FROM patch_versions WHERE name = ? AND version = ?`,
		pv.Name(), pv.Version(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNotRegistered, pv)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup %s: %w", pv, err)
	}
	return id, nil
}

// withTx runs fn in a transaction scoped to the row of pv.
func (r *Registry) withTx(ctx context.Context, pv version.PatchVersion, fn func(tx *sql.Tx, id int64) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := versionID(ctx, tx, pv)
	if err != nil {
		return err
	}
	if err := fn(tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (r *Registry) verifyPragma(name, expected string) error {
	var value string
	if err := r.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
