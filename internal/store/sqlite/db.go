// Package sqlite backs the pairing and activity stores with a single
// on-disk SQLite database.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS pairing_requests (
	channel    TEXT NOT NULL,
	node_id    TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	code       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(channel, node_id)
);
CREATE TABLE IF NOT EXISTS pairing_allow (
	channel     TEXT NOT NULL,
	node_id     TEXT NOT NULL,
	approved_at INTEGER NOT NULL,
	UNIQUE(channel, node_id)
);
CREATE TABLE IF NOT EXISTS activity (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	channel TEXT NOT NULL,
	account TEXT NOT NULL,
	kind    TEXT NOT NULL,
	peer    TEXT NOT NULL,
	at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_peer ON activity(channel, account, peer);
`

// DB wraps the shared database handle.
type DB struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	// modernc sqlite is single-writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the underlying handle.
func (d *DB) Close() error {
	return d.db.Close()
}
