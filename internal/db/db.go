// Package db opens the SQLite connection backing the Shared Store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "nervecenter.db"

type Config struct {
	// Workspace is the directory the state directory is created under.
	// Ignored when Path is set.
	Workspace string
	// Path overrides the default .nervecenter/nervecenter.db location,
	// e.g. for an in-memory test database ("file::memory:?cache=shared").
	Path string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".nervecenter", defaultDBName)
}

// EnsureWorkspace creates the state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".nervecenter")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database. The default workspace file is opened
// with foreign keys on; an explicit Path is handed to the driver as is.
func Open(cfg Config) (*sql.DB, error) {
	if cfg.Path != "" {
		conn, err := sql.Open("sqlite", cfg.Path)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
