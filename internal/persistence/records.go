package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/autopilot/internal/history"
)

// timestampLayout is fixed-width UTC so stored timestamps sort as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Append stores one history record. Records are append-only.
func (s *SQLiteStore) Append(ctx context.Context, rec history.Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", rec.Kind, err)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (kind, subject, timestamp, payload)
		VALUES (?, ?, ?, ?)
	`, rec.Kind, rec.Subject, formatTimestamp(rec.Timestamp), string(payload))
	if err != nil {
		return fmt.Errorf("failed to append %s record: %w", rec.Kind, err)
	}
	return nil
}

// Query returns matching records in chronological order.
// Returns empty slice (not nil) if nothing matches.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, f.Subject)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTimestamp(f.Since))
	}

	query := "SELECT id, kind, subject, timestamp, payload FROM audit_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// Double sort: same-instant records keep insertion order.
	query += " ORDER BY timestamp ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e       Entry
			ts      string
			payload string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Subject, &ts, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		e.Timestamp, err = time.Parse(timestampLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp of record %d: %w", e.ID, err)
		}
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}
	return entries, nil
}

// CountByKind returns the number of stored records per kind.
func (s *SQLiteStore) CountByKind(ctx context.Context) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM audit_records GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// Prune deletes records older than before and returns how many went.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM audit_records WHERE timestamp < ?`, formatTimestamp(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read pruned count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return n, nil
}
