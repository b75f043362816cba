package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Migrate brings the database file up to the expected schema:
//
//  1. pre-migration backup snapshot (skipped for in-memory databases)
//  2. drop legacy columns by table rebuild + copy
//  3. create any missing tables
//  4. add missing columns to existing tables, constraints stripped
//  5. seed default quest templates and shop items when empty
//
// All identifiers interpolated here come from the fixed tables in
// schema.go and are re-checked against the identifier pattern.
func (s *Store) Migrate(ctx context.Context, backupDir string) error {
	if backupDir != "" && s.path != ":memory:" {
		if _, err := s.Backup(ctx, backupDir); err != nil {
			// A failed pre-migration backup is not fatal for a fresh file,
			// but it is worth a loud line.
			s.logger.Printf("pre-migration backup failed: %v", err)
		}
	}

	if err := s.dropLegacyColumns(ctx); err != nil {
		return fmt.Errorf("drop legacy columns: %w", err)
	}

	// Schema is written with IF NOT EXISTS throughout, so executing it
	// creates whatever is missing and leaves the rest alone.
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if err := s.addMissingColumns(ctx); err != nil {
		return fmt.Errorf("add missing columns: %w", err)
	}

	if err := s.seedDefaults(ctx); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}

	s.logger.Printf("migration complete: %s", s.path)
	return nil
}

// tableColumns returns the live column names for table, in order.
func (s *Store) tableColumns(ctx context.Context, table string) ([]string, error) {
	if !validIdent(table) {
		return nil, fmt.Errorf("invalid table identifier %q", table)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// tableExists reports whether table is present in the file.
func (s *Store) tableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
	return n > 0, err
}

// addMissingColumns walks expectedColumns and issues ADD COLUMN for every
// expected column absent from the live schema. SQLite cannot add NOT
// NULL / PRIMARY KEY / UNIQUE after the fact, so the definitions in
// expectedColumns carry only type and default.
func (s *Store) addMissingColumns(ctx context.Context) error {
	for table, want := range expectedColumns {
		exists, err := s.tableExists(ctx, table)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}

		have, err := s.tableColumns(ctx, table)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		haveSet := make(map[string]bool, len(have))
		for _, c := range have {
			haveSet[c] = true
		}

		for col, def := range want {
			if haveSet[col] {
				continue
			}
			if !validIdent(table) || !validIdent(col) {
				return fmt.Errorf("invalid identifier %q.%q", table, col)
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col, def)
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table, col, err)
			}
			s.logger.Printf("added column %s.%s", table, col)
		}
	}
	return nil
}

// dropLegacyColumns rebuilds tables that still carry columns from retired
// schema versions: create a copy without the column, move the rows, swap.
func (s *Store) dropLegacyColumns(ctx context.Context) error {
	for table, legacy := range legacyColumns {
		exists, err := s.tableExists(ctx, table)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}

		have, err := s.tableColumns(ctx, table)
		if err != nil {
			return err
		}

		var stale []string
		haveSet := make(map[string]bool, len(have))
		for _, c := range have {
			haveSet[c] = true
		}
		for _, c := range legacy {
			if haveSet[c] {
				stale = append(stale, c)
			}
		}
		if len(stale) == 0 {
			continue
		}

		var keep []string
		staleSet := make(map[string]bool, len(stale))
		for _, c := range stale {
			staleSet[c] = true
		}
		for _, c := range have {
			if !staleSet[c] && validIdent(c) {
				keep = append(keep, c)
			}
		}

		if !validIdent(table) {
			return fmt.Errorf("invalid table identifier %q", table)
		}
		cols := strings.Join(keep, ", ")
		rebuild := []string{
			fmt.Sprintf("CREATE TABLE %s_rebuild AS SELECT %s FROM %s", table, cols, table),
			fmt.Sprintf("DROP TABLE %s", table),
			fmt.Sprintf("ALTER TABLE %s_rebuild RENAME TO %s", table, table),
		}
		err = s.WithTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range rebuild {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("rebuild %s without %v: %w", table, stale, err)
		}
		s.logger.Printf("rebuilt %s dropping legacy columns %v", table, stale)
	}
	return nil
}
