// Package store opens the sqlite metadata database and owns its schema.
//
// All tables live in a single database file so tree changes, blob reference
// counts and quota accounting can share one transaction.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    INTEGER NOT NULL,
	parent_id  INTEGER NOT NULL,
	name       TEXT NOT NULL,
	is_dir     INTEGER NOT NULL DEFAULT 0,
	blob_hash  TEXT NOT NULL DEFAULT '',
	size       INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER NOT NULL DEFAULT 0,
	sync_tag   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes (user_id, parent_id, deleted_at);
CREATE UNIQUE INDEX IF NOT EXISTS uk_nodes_live_name ON nodes (user_id, parent_id, name) WHERE deleted_at = 0;

CREATE TABLE IF NOT EXISTS blobs (
	user_id   INTEGER NOT NULL,
	hash      TEXT NOT NULL,
	size      INTEGER NOT NULL,
	ref_count INTEGER NOT NULL DEFAULT 0,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, hash)
);

CREATE TABLE IF NOT EXISTS quota (
	user_id     INTEGER PRIMARY KEY,
	used_bytes  INTEGER NOT NULL DEFAULT 0,
	limit_bytes INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS nonces (
	nonce      TEXT PRIMARY KEY,
	scope      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS recycle (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    INTEGER NOT NULL,
	node_id    INTEGER NOT NULL,
	name       TEXT NOT NULL,
	is_dir     INTEGER NOT NULL DEFAULT 0,
	size       INTEGER NOT NULL DEFAULT 0,
	deleted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recycle_user ON recycle (user_id, deleted_at);
`

// Open opens (creating if necessary) the metadata database under dataDir
// and ensures the schema exists. WAL keeps readers from blocking the
// single writer; busy_timeout covers short writer contention.
func Open(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dataDir, "inkvault.db")
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// sqlite allows one writer; funnel everything through a single conn to
	// avoid SQLITE_BUSY on concurrent transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return db, nil
}

// OpenMemory opens a private in-memory database with the schema applied.
// Used by tests.
func OpenMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
