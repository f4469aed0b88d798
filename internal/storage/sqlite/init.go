package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY,
		run_id TEXT UNIQUE NOT NULL,
		instance_id TEXT,
		target_dir TEXT,
		started_at TEXT,
		finished_at TEXT,
		status TEXT,
		skipped INTEGER DEFAULT 0,
		succeeded INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		bytes_downloaded INTEGER DEFAULT 0,
		error TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS run_failures (
		id INTEGER PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		file_path TEXT,
		url TEXT,
		reason TEXT,
		attempts INTEGER DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_failures_run_id ON run_failures(run_id)`,
}

// InitDB opens the SQLite database at path and creates the run history tables
// if they don't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()

			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return db, nil
}
