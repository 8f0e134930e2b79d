package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jguan/anpr-monitor/pkg/unit/feed"
	"github.com/jguan/anpr-monitor/pkg/unit/pipeline"
)

// OpenDB opens a SQLite database. File databases run in WAL mode; ":memory:"
// databases are pinned to one connection so every query sees the same data.
func OpenDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:") {
		db.SetMaxOpenConns(1)
		return db, nil
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

// SQLiteStore keeps detection history and archived runs.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS detections (
		id TEXT PRIMARY KEY,
		plate_number TEXT NOT NULL,
		camera_id TEXT,
		location TEXT,
		category TEXT NOT NULL,
		confidence REAL NOT NULL,
		detected_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_detections_time ON detections(detected_at);
	CREATE INDEX IF NOT EXISTS idx_detections_camera ON detections(camera_id);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		stages TEXT NOT NULL,
		outcome TEXT,
		failure TEXT,
		started_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) SaveDetection(ctx context.Context, rec feed.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detections (id, plate_number, camera_id, location, category, confidence, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.PlateNumber, rec.CameraID, rec.Location, string(rec.Category), rec.Confidence, rec.Timestamp.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return feed.ErrDuplicateRecord.With("id", rec.ID)
		}
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentDetections(ctx context.Context, limit int) ([]feed.Record, error) {
	records, _, err := s.ListDetections(ctx, DetectionFilter{Limit: limit})
	return records, err
}

func (s *SQLiteStore) ListDetections(ctx context.Context, filter DetectionFilter) ([]feed.Record, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.CameraID != "" {
		where += " AND camera_id = ?"
		args = append(args, filter.CameraID)
	}
	if filter.Category != "" {
		where += " AND category = ?"
		args = append(args, string(filter.Category))
	}
	if filter.PlateNumber != "" {
		where += " AND plate_number = ?"
		args = append(args, filter.PlateNumber)
	}
	if !filter.Since.IsZero() {
		where += " AND detected_at >= ?"
		args = append(args, filter.Since.UnixMilli())
	}
	if !filter.Until.IsZero() {
		where += " AND detected_at <= ?"
		args = append(args, filter.Until.UnixMilli())
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM detections"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count detections: %w", err)
	}

	query := "SELECT id, plate_number, camera_id, location, category, confidence, detected_at FROM detections" +
		where + " ORDER BY detected_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var records []feed.Record
	for rows.Next() {
		var r feed.Record
		var camera, location sql.NullString
		var category string
		var ts int64
		if err := rows.Scan(&r.ID, &r.PlateNumber, &camera, &location, &category, &r.Confidence, &ts); err != nil {
			return nil, 0, fmt.Errorf("scan detection: %w", err)
		}
		r.CameraID = camera.String
		r.Location = location.String
		r.Category = feed.Category(category)
		r.Timestamp = time.UnixMilli(ts).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate detections: %w", err)
	}
	return records, total, nil
}

// SaveRun upserts an archived run.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *pipeline.Run) error {
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	outcome, err := marshalOptional(run.Outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	failure, err := marshalOptional(run.Failure)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}

	var completedAt any
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.UnixMilli()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, status, stages, outcome, failure, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			stages = excluded.stages,
			outcome = excluded.outcome,
			failure = excluded.failure,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, run.ID, string(run.Status), string(stages), outcome, failure, run.StartedAt.UnixMilli(), completedAt)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, stages, outcome, failure, started_at, completed_at FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, pipeline.ErrRunNotFound.With("run_id", id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter pipeline.RunFilter) ([]pipeline.Run, int, error) {
	where := ""
	args := []any{}
	if filter.Status != "" {
		where = " WHERE status = ?"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	query := "SELECT id, status, stages, outcome, failure, started_at, completed_at FROM runs" +
		where + " ORDER BY started_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*pipeline.Run, error) {
	var run pipeline.Run
	var status, stages string
	var outcome, failure sql.NullString
	var startedAt int64
	var completedAt sql.NullInt64

	if err := row.Scan(&run.ID, &status, &stages, &outcome, &failure, &startedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.Status = pipeline.RunStatus(status)
	run.StartedAt = time.UnixMilli(startedAt).UTC()
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		run.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(stages), &run.Stages); err != nil {
		return nil, fmt.Errorf("decode stages: %w", err)
	}
	if outcome.Valid && outcome.String != "" {
		run.Outcome = &pipeline.Outcome{}
		if err := json.Unmarshal([]byte(outcome.String), run.Outcome); err != nil {
			return nil, fmt.Errorf("decode outcome: %w", err)
		}
	}
	if failure.Valid && failure.String != "" {
		run.Failure = &pipeline.StageFailure{}
		if err := json.Unmarshal([]byte(failure.String), run.Failure); err != nil {
			return nil, fmt.Errorf("decode failure: %w", err)
		}
	}
	return &run, nil
}

func marshalOptional(v any) (any, error) {
	switch val := v.(type) {
	case *pipeline.Outcome:
		if val == nil {
			return nil, nil
		}
	case *pipeline.StageFailure:
		if val == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

var (
	_ DetectionStore      = (*SQLiteStore)(nil)
	_ pipeline.RunArchive = (*SQLiteStore)(nil)
)
