package trail

import "fmt"

const schemaVersion = "1"

// migrate creates all tables if they don't exist and seeds metadata. Safe
// to run on every open.
func (s *SQLiteStore) migrate() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL DEFAULT '',
			source_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			role TEXT NOT NULL,
			ts TEXT NOT NULL,
			urls TEXT NOT NULL DEFAULT '[]',
			text_changed INTEGER NOT NULL DEFAULT 0,
			clean INTEGER NOT NULL DEFAULT 0,
			filtered INTEGER NOT NULL DEFAULT 0,
			reasons TEXT NOT NULL DEFAULT '[]',
			preserved INTEGER NOT NULL DEFAULT 0,
			preserved_reason TEXT NOT NULL DEFAULT '',
			genuine_override INTEGER NOT NULL DEFAULT 0,
			content_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_clean ON events(clean, id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_hash ON events(content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration tx: %w", err)
	}
	for _, stmt := range ddl {
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration DDL: %w", err)
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO NOTHING`, schemaVersion); err != nil {
		tx.Rollback()
		return fmt.Errorf("seeding schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}
	return nil
}
