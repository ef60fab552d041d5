// Package gallery keeps the run ledger: which generations ran, with what
// template and seed, and which artifacts each one produced.
package gallery

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Run is one orchestrator run as recorded in the ledger.
type Run struct {
	ID         string
	Template   string
	BaseSeed   int64
	Requested  int
	Succeeded  int
	Failed     int
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Artifact is one produced image, tied to its run.
type Artifact struct {
	ID        int64
	RunID     string
	ItemIndex int
	Path      string
	Prompt    string
	Seed      int64
	Width     int
	Height    int
	CreatedAt time.Time
}

// Ledger is the sqlite-backed history store.
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens or creates the ledger database.
func Open(path string, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating gallery directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening gallery db: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Warn("failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Warn("failed to set sqlite journal_mode", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logger.Warn("failed to set sqlite synchronous", zap.Error(err))
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		template TEXT NOT NULL,
		base_seed INTEGER NOT NULL,
		requested INTEGER NOT NULL,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		item_index INTEGER NOT NULL DEFAULT 0,
		path TEXT NOT NULL,
		prompt TEXT NOT NULL,
		seed INTEGER NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing gallery schema: %w", err)
	}
	return nil
}

// RecordRun inserts or updates one run row. The orchestrator records the run
// once at start and again at completion with final counts.
func (l *Ledger) RecordRun(run Run) error {
	var finished any
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UTC()
	}
	_, err := l.db.Exec(`
		INSERT INTO runs (id, template, base_seed, requested, succeeded, failed, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			status = excluded.status,
			finished_at = excluded.finished_at`,
		run.ID, run.Template, run.BaseSeed, run.Requested,
		run.Succeeded, run.Failed, run.Status, run.StartedAt.UTC(), finished)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", run.ID, err)
	}
	return nil
}

// RecordArtifact appends one artifact row.
func (l *Ledger) RecordArtifact(a Artifact) error {
	_, err := l.db.Exec(`
		INSERT INTO artifacts (run_id, item_index, path, prompt, seed, width, height, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.ItemIndex, a.Path, a.Prompt, a.Seed, a.Width, a.Height, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("recording artifact for run %s: %w", a.RunID, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (l *Ledger) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.Query(`
		SELECT id, template, base_seed, requested, succeeded, failed, status, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.Template, &run.BaseSeed, &run.Requested,
			&run.Succeeded, &run.Failed, &run.Status, &run.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if finished.Valid {
			run.FinishedAt = finished.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListArtifacts returns the artifacts of one run in creation order.
func (l *Ledger) ListArtifacts(runID string) ([]Artifact, error) {
	rows, err := l.db.Query(`
		SELECT id, run_id, item_index, path, prompt, seed, width, height, created_at
		FROM artifacts WHERE run_id = ? ORDER BY item_index, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts for run %s: %w", runID, err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.ItemIndex, &a.Path, &a.Prompt,
			&a.Seed, &a.Width, &a.Height, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
