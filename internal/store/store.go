// Package store is the Transcript Store (SPEC_FULL.md §4.A): an
// append-and-read-by-range persistence layer over Project, Session,
// SessionItem, ToolResultLink, and AgentLink rows, backed by an embedded
// pure-Go sqlite driver.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store owns the sqlite connection and applies its own schema migrations
// on Open.
type Store struct {
	db *sql.DB

	appliedOnOpen []string
}

// Open creates (or attaches to) the sqlite database at dsn, enables WAL
// mode and foreign keys, and brings the schema up to date.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	applied, err := s.migrate()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s.appliedOnOpen = applied
	return s, nil
}

// AppliedOnOpen returns the migration files this Open call actually ran,
// for a caller that wants to log a startup summary without reaching into
// the database itself.
func (s *Store) AppliedOnOpen() []string {
	return s.appliedOnOpen
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers (e.g. tests) that need to inspect
// state the Store's own API doesn't surface.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate brings the schema up to date, applying every migration file not
// yet recorded in schema_migrations, in filename order, one transaction
// per file. It returns the names of the files actually applied, so Open's
// caller can log a one-line startup summary instead of staying silent on
// every run.
func (s *Store) migrate() ([]string, error) {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}

	pending, err := s.pendingMigrations()
	if err != nil {
		return nil, err
	}

	for _, f := range pending {
		if err := s.applyMigrationFile(f); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// pendingMigrations lists the embedded migration files not yet recorded in
// schema_migrations, sorted so they apply in the order their filenames
// imply (e.g. 0001_..., 0002_...).
func (s *Store) pendingMigrations() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var pending []string
	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return nil, fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied == 0 {
			pending = append(pending, f)
		}
	}
	return pending, nil
}

// applyMigrationFile runs one migration file and records it, both inside a
// single transaction so a failing statement never leaves the file
// half-applied and unrecorded (which would otherwise retry it from a
// partial state on the next Open).
func (s *Store) applyMigrationFile(name string) error {
	content, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", name, err)
	}
	if _, err := tx.Exec(string(content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec migration %s: %w", name, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", name); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

// SchemaVersion returns the most recently applied migration's filename, or
// "" for a database with no migrations recorded yet.
func (s *Store) SchemaVersion() (string, error) {
	var version string
	err := s.db.QueryRow("SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}
