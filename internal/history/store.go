// Package history stores finished and killed interval sessions in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Pure-Go SQLite driver registered as "sqlite".
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS interval_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL DEFAULT '',
	started_at_epoch INTEGER NOT NULL,
	ended_at_epoch INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	completed_loops INTEGER NOT NULL,
	target_loops INTEGER NOT NULL DEFAULT 0,
	completed INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interval_sessions_started ON interval_sessions(started_at_epoch);
`

// Record is one stored session.
type Record struct {
	ID             int64
	Name           string
	StartedAt      time.Time
	EndedAt        time.Time
	Duration       time.Duration
	CompletedLoops int
	// TargetLoops is 0 for sessions without a target.
	TargetLoops int
	// Completed is true when the session reached its target, false when killed.
	Completed bool
}

// Stats aggregates sessions that started within a period.
type Stats struct {
	Sessions          int
	CompletedSessions int
	TotalDuration     time.Duration
	TotalLoops        int
	AverageDuration   time.Duration
}

// Store is a SQLite-backed session history.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the history database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("history database path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database %q: %w", path, err)
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history database %q: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history database %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts one session and returns its id.
func (s *Store) Record(ctx context.Context, record Record) (int64, error) {
	if record.Duration <= 0 {
		return 0, errors.New("session duration must be positive")
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = record.EndedAt.Add(-record.Duration)
	}

	const query = `
		INSERT INTO interval_sessions
		(name, started_at_epoch, ended_at_epoch, duration_ms, completed_loops, target_loops, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		strings.TrimSpace(record.Name),
		record.StartedAt.UnixMilli(),
		record.EndedAt.UnixMilli(),
		record.Duration.Milliseconds(),
		record.CompletedLoops,
		record.TargetLoops,
		boolToInt(record.Completed),
	)
	if err != nil {
		return 0, fmt.Errorf("insert session record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read session record id: %w", err)
	}
	return id, nil
}

// Recent returns up to limit sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}

	const query = `
		SELECT id, name, started_at_epoch, ended_at_epoch, duration_ms, completed_loops, target_loops, completed
		FROM interval_sessions
		ORDER BY started_at_epoch DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var (
			record             Record
			startedMs, endedMs int64
			durationMs         int64
			completed          int
		)
		if err := rows.Scan(
			&record.ID,
			&record.Name,
			&startedMs,
			&endedMs,
			&durationMs,
			&record.CompletedLoops,
			&record.TargetLoops,
			&completed,
		); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		record.StartedAt = time.UnixMilli(startedMs)
		record.EndedAt = time.UnixMilli(endedMs)
		record.Duration = time.Duration(durationMs) * time.Millisecond
		record.Completed = completed != 0
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session records: %w", err)
	}
	return records, nil
}

// Stats aggregates sessions started in [from, to).
func (s *Store) Stats(ctx context.Context, from, to time.Time) (Stats, error) {
	const query = `
		SELECT
			COUNT(*),
			COALESCE(SUM(completed), 0),
			COALESCE(SUM(duration_ms), 0),
			COALESCE(SUM(completed_loops), 0)
		FROM interval_sessions
		WHERE started_at_epoch >= ? AND started_at_epoch < ?
	`

	var (
		stats      Stats
		durationMs int64
	)
	err := s.db.QueryRowContext(ctx, query, from.UnixMilli(), to.UnixMilli()).Scan(
		&stats.Sessions,
		&stats.CompletedSessions,
		&durationMs,
		&stats.TotalLoops,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("query session stats: %w", err)
	}

	stats.TotalDuration = time.Duration(durationMs) * time.Millisecond
	if stats.Sessions > 0 {
		stats.AverageDuration = stats.TotalDuration / time.Duration(stats.Sessions)
	}
	return stats, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
