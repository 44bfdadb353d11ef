package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Cycle outcome states as recorded in history.
const (
	StateOK     = "ok"
	StateNoNew  = "no_new"
	StateFailed = "failed"
)

// CycleRecord is one completed scheduler cycle, kept for the status surface
// and for diagnosing failed runs after the fact.
type CycleRecord struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	State       string
	ErrorKind   string
	Summary     string
	ActivityIDs []string
	NotePath    string
}

// Store persists cycle records in a SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
    id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL,
    state TEXT NOT NULL,
    error_kind TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    activity_ids TEXT NOT NULL DEFAULT '[]',
    note_path TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cycles_started_at ON cycles(started_at);
`

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one cycle. A missing ID is filled in.
func (s *Store) Record(ctx context.Context, rec *CycleRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	ids, err := json.Marshal(rec.ActivityIDs)
	if err != nil {
		return fmt.Errorf("encode activity ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cycles (id, started_at, finished_at, state, error_kind, summary, activity_ids, note_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.StartedAt, rec.FinishedAt, rec.State, rec.ErrorKind, rec.Summary, string(ids), rec.NotePath,
	)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	return nil
}

// Recent returns up to limit cycles, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, state, error_kind, summary, activity_ids, note_path
		FROM cycles ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var records []CycleRecord
	for rows.Next() {
		rec, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycles: %w", err)
	}
	return records, nil
}

func scanCycle(rows *sql.Rows) (CycleRecord, error) {
	var rec CycleRecord
	var ids string
	if err := rows.Scan(&rec.ID, &rec.StartedAt, &rec.FinishedAt, &rec.State, &rec.ErrorKind, &rec.Summary, &ids, &rec.NotePath); err != nil {
		return CycleRecord{}, fmt.Errorf("scan cycle: %w", err)
	}
	if ids != "" {
		if err := json.Unmarshal([]byte(ids), &rec.ActivityIDs); err != nil {
			return CycleRecord{}, fmt.Errorf("decode activity ids: %w", err)
		}
	}
	return rec, nil
}
