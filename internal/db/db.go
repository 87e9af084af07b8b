// Package db opens the workspace SQLite database. The DSN carries the
// pragmas the approval store depends on: foreign keys, WAL so readers do
// not block a consume in flight, and a busy timeout so concurrent
// continue calls queue on the write lock instead of failing with
// SQLITE_BUSY.
package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".schemaflow"
	dbName   = "schemaflow.db"
)

var pragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"journal_mode(wal)",
}

// Config selects the workspace holding the database file.
type Config struct {
	Workspace string
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, dbName)
}

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the workspace database, creating the state directory when
// needed. Every connection in the pool picks up the pragmas from the DSN.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	var dsn strings.Builder
	dsn.WriteString("file:")
	dsn.WriteString(Path(cfg.Workspace))
	for i, p := range pragmas {
		if i == 0 {
			dsn.WriteByte('?')
		} else {
			dsn.WriteByte('&')
		}
		dsn.WriteString("_pragma=")
		dsn.WriteString(p)
	}
	return sql.Open("sqlite", dsn.String())
}
