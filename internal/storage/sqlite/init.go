package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFile is used when no database path is configured.
const DefaultDBFile = "downloads.db"

// InitDB opens the SQLite database at path and creates the tasks table if it
// doesn't exist. ":memory:" opens a private in-memory database.
func InitDB(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultDBFile
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// go-sqlite3 connections do not share in-memory databases, and a single
	// writer avoids SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		source_url TEXT NOT NULL,
		status TEXT NOT NULL,
		dest_kind TEXT NOT NULL DEFAULT '',
		dest_url TEXT NOT NULL DEFAULT '',
		dest_root TEXT NOT NULL DEFAULT '',
		dest_path TEXT NOT NULL DEFAULT '',
		received_bytes INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER NOT NULL DEFAULT -1,
		failure_kind TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}
