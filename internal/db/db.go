// Package db owns the SQLite file under the courrier base directory. The
// schema is a set of named slots, each holding one serialized document
// that is read and written whole.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/courrier-mg/courrier/internal/config"
	_ "modernc.org/sqlite"
)

// FileName is the database file inside the base directory.
const FileName = "courrier.db"

// ExportsDir is the directory, inside the base directory, that exports
// default to.
const ExportsDir = "exports"

// migrations[i] upgrades the schema from version i to i+1.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS slots (
	  name       TEXT PRIMARY KEY,
	  payload    TEXT NOT NULL,
	  updated_at INTEGER NOT NULL
	)`,
}

// CurrentSchemaVersion is the schema version Init leaves the database at.
var CurrentSchemaVersion = len(migrations)

// Init opens (creating if needed) baseDir/courrier.db in WAL mode and
// brings its schema up to date. baseDir and its exports directory are
// created private to the user.
func Init(baseDir string) (*sql.DB, error) {
	for _, dir := range []string{baseDir, filepath.Join(baseDir, ExportsDir)} {
		if err := ensurePrivateDir(dir); err != nil {
			return nil, err
		}
	}

	dbPath := filepath.Join(baseDir, FileName)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if mode, err := pragma(db, "journal_mode"); err != nil {
		db.Close()
		return nil, err
	} else if mode != "wal" {
		db.Close()
		return nil, fmt.Errorf("expected WAL mode, got %s", mode)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)
	return db, nil
}

func ensurePrivateDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	_ = os.Chmod(dir, 0700)
	return nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate runs each pending migration in its own transaction together with
// the user_version bump.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	for v := version; v < len(migrations); v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", v+1, err)
		}
		if err := SetUserVersion(tx, v+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", v+1, err)
		}
	}
	return nil
}

func pragma(db *sql.DB, name string) (string, error) {
	var v string
	if err := db.QueryRow("PRAGMA " + name).Scan(&v); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	return v, nil
}

// GetUserVersion returns the schema version recorded in the database.
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// execer is a *sql.DB or a *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// SetUserVersion records version as the schema version.
func SetUserVersion(db execer, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
