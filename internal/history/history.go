package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// History manages pipeline run history in SQLite
type History struct {
	db *sql.DB
}

// NewHistory creates a new history tracker
func NewHistory(dbPath string) (*History, error) {
	// Open database connection
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{db: db}

	// Initialize schema
	if err := h.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return h, nil
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}

// initSchema creates the database tables and indexes
func (h *History) initSchema() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			app TEXT NOT NULL,
			build_number INTEGER NOT NULL,
			version_tag TEXT,
			digest TEXT,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_seconds REAL,
			commit_hash TEXT,
			error_kind TEXT,
			error_message TEXT,
			UNIQUE(app, build_number)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}

	_, err = h.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_stages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES runs(id),
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			duration_seconds REAL,
			detail TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create run_stages table: %w", err)
	}

	// Create index for efficient queries
	_, err = h.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_app_build
		ON runs(app, build_number DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// NextBuildNumber allocates the next monotonic build number for an app.
// Build numbers never repeat even when earlier runs failed.
func (h *History) NextBuildNumber(ctx context.Context, app string) (int64, error) {
	var current sql.NullInt64
	err := h.db.QueryRowContext(ctx, `
		SELECT MAX(build_number) FROM runs WHERE app = ?
	`, app).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest build number: %w", err)
	}

	return current.Int64 + 1, nil
}

// RecordRun records a finished pipeline run and its stage outcomes in one
// transaction.
func (h *History) RecordRun(ctx context.Context, record *RunRecord) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	startedAt := now
	if !record.StartedAt.IsZero() {
		startedAt = record.StartedAt.UTC().Format(time.RFC3339)
	}

	var completedAt *string
	if record.CompletedAt != nil {
		formatted := record.CompletedAt.UTC().Format(time.RFC3339)
		completedAt = &formatted
	} else if record.Status != "in_progress" {
		completedAt = &now
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO runs
		(app, build_number, version_tag, digest, status, started_at,
		 completed_at, duration_seconds, commit_hash, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.App,
		record.BuildNumber,
		record.VersionTag,
		record.Digest,
		record.Status,
		startedAt,
		completedAt,
		record.DurationSeconds,
		record.CommitHash,
		record.ErrorKind,
		record.ErrorMessage,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	for _, stage := range record.Stages {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_stages (run_id, name, status, duration_seconds, detail)
			VALUES (?, ?, ?, ?, ?)
		`, id, stage.Name, stage.Status, stage.DurationSeconds, stage.Detail)
		if err != nil {
			return 0, fmt.Errorf("failed to insert stage record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit run record: %w", err)
	}

	return id, nil
}

// GetRun returns one run with its stage outcomes, or nil when the build
// number is unknown.
func (h *History) GetRun(ctx context.Context, app string, buildNumber int64) (*RunRecord, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT id, app, build_number, version_tag, digest, status, started_at,
		       completed_at, duration_seconds, commit_hash, error_kind, error_message
		FROM runs
		WHERE app = ? AND build_number = ?
	`, app, buildNumber)

	record, err := scanRunRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	stages, err := h.getStages(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	record.Stages = stages

	return record, nil
}

// RecentRuns returns the most recent runs for an app, newest first.
func (h *History) RecentRuns(ctx context.Context, app string, limit int) ([]RunRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, app, build_number, version_tag, digest, status, started_at,
		       completed_at, duration_seconds, commit_hash, error_kind, error_message
		FROM runs
		WHERE app = ?
		ORDER BY build_number DESC
		LIMIT ?
	`, app, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		record, err := scanRunRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

func (h *History) getStages(ctx context.Context, runID int64) ([]StageRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT name, status, duration_seconds, detail
		FROM run_stages
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage records: %w", err)
	}
	defer rows.Close()

	var stages []StageRecord
	for rows.Next() {
		var stage StageRecord
		if err := rows.Scan(&stage.Name, &stage.Status, &stage.DurationSeconds, &stage.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan stage record: %w", err)
		}
		stages = append(stages, stage)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return stages, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanRunRecord scans a database row into a RunRecord
// Works with both *sql.Row and *sql.Rows
func scanRunRecord(s scanner) (*RunRecord, error) {
	var record RunRecord
	var versionTag, digest sql.NullString
	var startedAtStr string
	var completedAtStr sql.NullString

	err := s.Scan(
		&record.ID,
		&record.App,
		&record.BuildNumber,
		&versionTag,
		&digest,
		&record.Status,
		&startedAtStr,
		&completedAtStr,
		&record.DurationSeconds,
		&record.CommitHash,
		&record.ErrorKind,
		&record.ErrorMessage,
	)

	if err != nil {
		return nil, err
	}

	record.VersionTag = versionTag.String
	record.Digest = digest.String

	// Parse timestamps
	startedAt, err := time.Parse(time.RFC3339, startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}
	record.StartedAt = startedAt

	if completedAtStr.Valid {
		completedAt, err := time.Parse(time.RFC3339, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at timestamp: %w", err)
		}
		record.CompletedAt = &completedAt
	}

	return &record, nil
}
