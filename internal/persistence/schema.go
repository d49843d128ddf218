package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_records_kind_timestamp
		ON audit_records(kind, timestamp);

	CREATE INDEX IF NOT EXISTS idx_audit_records_subject
		ON audit_records(subject);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
