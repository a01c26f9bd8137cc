package state

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"calbridge/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS state_entries (
	identity_key TEXT PRIMARY KEY,
	remote_id    TEXT NOT NULL,
	content_hash TEXT NOT NULL DEFAULT '',
	updated_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`

// SQLiteStore persists entries in a single table; each mutation is its own
// statement and therefore its own transaction.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - FULL synchronous mode so every acknowledged write survives a crash
//   - 5-second busy timeout for lock contention
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(key string) (model.StateEntry, bool) {
	var e model.StateEntry
	err := s.db.QueryRow(
		`SELECT remote_id, content_hash FROM state_entries WHERE identity_key = ?`, key,
	).Scan(&e.RemoteID, &e.ContentHash)
	if err != nil {
		return model.StateEntry{}, false
	}
	return e, true
}

func (s *SQLiteStore) Put(key string, entry model.StateEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO state_entries (identity_key, remote_id, content_hash, updated_at)
		VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT(identity_key) DO UPDATE SET
			remote_id = excluded.remote_id,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at`,
		key, entry.RemoteID, entry.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("put state %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM state_entries WHERE identity_key = ?`, key); err != nil {
		return fmt.Errorf("delete state %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Entries() map[string]model.StateEntry {
	out := map[string]model.StateEntry{}
	rows, err := s.db.Query(`SELECT identity_key, remote_id, content_hash FROM state_entries`)
	if err != nil {
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var e model.StateEntry
		if err := rows.Scan(&k, &e.RemoteID, &e.ContentHash); err != nil {
			continue
		}
		out[k] = e
	}
	return out
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
