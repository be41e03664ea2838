package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"missionctl/internal/hsm"
	"missionctl/internal/model"
)

var ErrRunNotFound = errors.New("run not found")

type SQLiteStore struct {
	DBPath string
	db     *sql.DB
}

func NewSQLiteStore(dbPath string) *SQLiteStore {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = ".missionctl/missionctl.db"
	}
	return &SQLiteStore{DBPath: dbPath}
}

func (s *SQLiteStore) Init() error {
	if s.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.DBPath), 0o755); err != nil {
			return fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", s.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", s.DBPath, err)
	}
	// A single connection keeps :memory: databases consistent and serializes writers.
	db.SetMaxOpenConns(1)

	schema := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  repo_url TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  error_text TEXT NOT NULL DEFAULT ''
);`,
		`CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  event_id TEXT NOT NULL UNIQUE,
  run_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  metadata_json TEXT NOT NULL DEFAULT '{}',
  occurred_at TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, runID string, repoURL string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, status, repo_url, created_at, updated_at, error_text) VALUES (?, ?, ?, ?, ?, '')`,
		runID, string(model.RunStatusCreated), repoURL, now, now,
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", runID, err)
	}
	return nil
}

// UpdateRunStatus rejects transitions the run state machine does not allow.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, errorText string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !hsm.CanTransitionRun(run.Status, status) {
		return fmt.Errorf("run %s: invalid transition %s -> %s", runID, run.Status, status)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error_text = ?, updated_at = ? WHERE run_id = ?`,
		string(status), errorText, time.Now().UTC().Format(time.RFC3339), runID,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (model.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, status, repo_url, created_at, updated_at, error_text FROM runs WHERE run_id = ?`, runID)
	var record model.RunRecord
	var status, createdAt, updatedAt string
	if err := row.Scan(&record.RunID, &status, &record.RepoURL, &createdAt, &updatedAt, &record.ErrorText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return model.RunRecord{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	record.Status = model.RunStatus(status)
	record.CreatedAt = parseTime(createdAt)
	record.UpdatedAt = parseTime(updatedAt)
	return record, nil
}

// RecordEvent stores event once; replays of the same event id are ignored.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event model.Event) error {
	metadata := "{}"
	if len(event.Metadata) > 0 {
		b, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		metadata = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (event_id, run_id, event_type, title, description, metadata_json, occurred_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Identity(), event.RunID, string(event.Kind), event.Title, event.Description, metadata, event.Timestamp,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record event for run %s: %w", event.RunID, err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit int) ([]model.EventRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, run_id, event_type, title, description, metadata_json, occurred_at, created_at
FROM events WHERE run_id = ? ORDER BY id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events for run %s: %w", runID, err)
	}
	defer rows.Close()

	out := []model.EventRecord{}
	for rows.Next() {
		var record model.EventRecord
		var kind, metadata, createdAt string
		if err := rows.Scan(&record.ID, &record.Event.EventID, &record.Event.RunID, &kind, &record.Event.Title,
			&record.Event.Description, &metadata, &record.Event.Timestamp, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		parsed, err := model.ParseEventKind(kind)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", record.ID, err)
		}
		record.Event.Kind = parsed
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &record.Event.Metadata); err != nil {
				return nil, fmt.Errorf("event %d metadata: %w", record.ID, err)
			}
		}
		record.CreatedAt = parseTime(createdAt)
		out = append(out, record)
	}
	return out, rows.Err()
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}
	}
	return t
}
