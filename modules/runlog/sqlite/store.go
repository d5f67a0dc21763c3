package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JasdewStarfield/nanobot/internal/runlog"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// Store implements runlog.Store on a SQLite database.
type Store struct {
	db *sql.DB
}

var _ runlog.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path with WAL mode, the
// given busy timeout in milliseconds and a single connection, and migrates
// the schema. The caller closes the store.
func Open(ctx context.Context, path string, wal bool, busyTimeout int) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	// SQLite handles one writer at a time; limit pool to 1 connection
	// so PRAGMAs apply consistently.
	db.SetMaxOpenConns(1)

	if wal {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Record implements runlog.Store.
func (s *Store) Record(ctx context.Context, e runlog.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, session_key, source, job_id, started_at, duration_ns, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionKey, e.Source, e.JobID, e.StartedAt.UnixNano(), int64(e.Duration), string(e.Status), e.Error,
	)
	if err != nil {
		return fmt.Errorf("sqlite: record run: %w", err)
	}
	return nil
}

// List implements runlog.Store.
func (s *Store) List(ctx context.Context, f runlog.Filter) ([]runlog.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionKey != "" {
		where = append(where, "session_key = ?")
		args = append(args, f.SessionKey)
	}
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}

	query := "SELECT id, session_key, source, job_id, started_at, duration_ns, status, error FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, f.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []runlog.Entry
	for rows.Next() {
		var (
			e        runlog.Entry
			started  int64
			duration int64
			status   string
		)
		if err := rows.Scan(&e.ID, &e.SessionKey, &e.Source, &e.JobID, &started, &duration, &status, &e.Error); err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		e.StartedAt = time.Unix(0, started)
		e.Duration = time.Duration(duration)
		e.Status = runlog.Status(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list runs rows: %w", err)
	}
	return out, nil
}

// Prune implements runlog.Store.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE started_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune rows affected: %w", err)
	}
	return int(n), nil
}
