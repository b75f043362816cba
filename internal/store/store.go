// Package store owns the SQLite file: schema, migration, scoped
// transactions, and online-backup snapshots. All higher layers mutate
// state through it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"regexp"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// identRe is the only shape a table or column identifier may take before
// being interpolated into dynamic SQL. Values are always bound parameters.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store wraps the process-wide database handle.
type Store struct {
	db     *sql.DB
	path   string
	logger *log.Logger
}

// Open opens (creating if needed) the SQLite file at path and applies the
// connection pragmas the engines rely on: WAL for concurrent readers,
// foreign keys, and a busy timeout so short write contention retries
// inside the driver instead of surfacing SQLITE_BUSY.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_loc=UTC", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// A single writer connection keeps transaction ordering simple; SQLite
	// serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}

	return &Store{
		db:     db,
		path:   path,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}, nil
}

// Close closes the underlying handle. Called last during teardown.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for read-only query helpers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// WithTx runs fn inside a transaction. Commits when fn returns nil,
// rolls back on error or panic. fn must not wait on external I/O.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// validIdent reports whether name is safe to interpolate as an identifier.
func validIdent(name string) bool {
	return identRe.MatchString(name)
}

// IntegrityCheck runs PRAGMA integrity_check and returns an error unless
// the database reports "ok".
func (s *Store) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}
