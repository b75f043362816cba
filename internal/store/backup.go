package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const backupExt = ".bak"

// Backup writes an online snapshot of the live database into dir, named
// with a YYYYMMDD_HHMMSS suffix, and verifies its integrity before
// returning the snapshot path. The snapshot is taken with VACUUM INTO so
// readers and the writer keep running.
func (s *Store) Backup(ctx context.Context, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	runID := uuid.NewString()[:8]
	stamp := time.Now().UTC().Format("20060102_150405")
	base := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	target := filepath.Join(dir, fmt.Sprintf("%s_%s%s", base, stamp, backupExt))

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", target); err != nil {
		return "", fmt.Errorf("snapshot %s: %w", target, err)
	}

	if err := verifySnapshot(ctx, target); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("verify snapshot %s: %w", target, err)
	}

	s.logger.Printf("backup %s complete: %s", runID, target)
	return target, nil
}

// RotateBackups deletes the oldest snapshots in dir beyond max.
func (s *Store) RotateBackups(dir string, max int) error {
	if max <= 0 {
		return nil
	}
	snaps, err := listSnapshots(dir)
	if err != nil {
		return err
	}
	for len(snaps) > max {
		victim := snaps[0]
		if err := os.Remove(victim); err != nil {
			return fmt.Errorf("rotate backups: %w", err)
		}
		s.logger.Printf("rotated out old backup %s", victim)
		snaps = snaps[1:]
	}
	return nil
}

// RecoverIfCorrupt checks the live file and, when the integrity check
// fails, swaps in the newest snapshot that verifies. Call before Migrate.
func RecoverIfCorrupt(ctx context.Context, path, backupDir string) (recovered bool, err error) {
	if path == ":memory:" {
		return false, nil
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return false, nil
	}

	probe, err := Open(path)
	if err == nil {
		checkErr := probe.IntegrityCheck(ctx)
		probe.Close()
		if checkErr == nil {
			return false, nil
		}
	}

	snaps, err := listSnapshots(backupDir)
	if err != nil {
		return false, err
	}
	// Newest first.
	for i := len(snaps) - 1; i >= 0; i-- {
		snap := snaps[i]
		if verifyErr := verifySnapshot(ctx, snap); verifyErr != nil {
			continue
		}
		corrupt := path + ".corrupt"
		if err := os.Rename(path, corrupt); err != nil {
			return false, fmt.Errorf("set aside corrupt db: %w", err)
		}
		if err := copyFile(snap, path); err != nil {
			return false, fmt.Errorf("restore %s: %w", snap, err)
		}
		return true, nil
	}
	return false, fmt.Errorf("database %s is corrupt and no valid snapshot exists in %s", path, backupDir)
}

// verifySnapshot opens the snapshot read-only and runs the integrity
// pragma against it.
func verifySnapshot(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return err
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity: %s", result)
	}
	return nil
}

// listSnapshots returns snapshot paths in dir sorted oldest first. The
// timestamp suffix makes lexical order chronological.
func listSnapshots(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var snaps []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), backupExt) {
			snaps = append(snaps, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(snaps)
	return snaps, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
