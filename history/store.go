// Package history records training runs and their per-epoch results in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is one invocation of the training loop.
type Run struct {
	ID            string
	Model         string
	Epochs        int
	UpscaleFactor int
	LearningRate  float64
	Seed          int64
	BestPSNR      float64
	Status        string
	Error         string
	StartedAt     time.Time
	FinishedAt    time.Time // zero while running
}

// Epoch is the outcome of one train/evaluate cycle.
type Epoch struct {
	RunID        string
	Epoch        int
	TrainLoss    float64
	PSNR         float64
	LearningRate float64
	Checkpointed bool
	Error        string
	Duration     time.Duration
}

// Store persists runs. It is safe for concurrent use.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" keeps it in memory.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared between calls
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			epochs INTEGER NOT NULL,
			upscale_factor INTEGER NOT NULL,
			learning_rate REAL NOT NULL,
			seed INTEGER NOT NULL,
			best_psnr REAL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT DEFAULT '',
			started_at INTEGER NOT NULL,
			finished_at INTEGER
		);

		CREATE TABLE IF NOT EXISTS epochs (
			run_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			train_loss REAL NOT NULL,
			psnr REAL NOT NULL,
			learning_rate REAL NOT NULL,
			checkpointed INTEGER DEFAULT 0,
			error TEXT DEFAULT '',
			duration_ms INTEGER DEFAULT 0,
			PRIMARY KEY (run_id, epoch),
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// StartRun inserts run with a fresh id and running status and returns it.
func (s *Store) StartRun(ctx context.Context, run Run) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run.ID = uuid.New().String()
	run.Status = StatusRunning
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, model, epochs, upscale_factor, learning_rate, seed, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Model, run.Epochs, run.UpscaleFactor, run.LearningRate, run.Seed,
		run.Status, run.StartedAt.UnixMilli(),
	)
	if err != nil {
		return Run{}, fmt.Errorf("failed to insert run: %w", err)
	}
	return run, nil
}

// RecordEpoch stores e under runID, replacing an earlier record of the same epoch.
func (s *Store) RecordEpoch(ctx context.Context, runID string, e Epoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO epochs
		(run_id, epoch, train_loss, psnr, learning_rate, checkpointed, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, e.Epoch, e.TrainLoss, e.PSNR, e.LearningRate,
		boolToInt(e.Checkpointed), e.Error, e.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert epoch %d: %w", e.Epoch, err)
	}
	return nil
}

// FinishRun closes a run. A non-nil runErr marks it failed.
func (s *Store) FinishRun(ctx context.Context, runID string, bestPSNR float64, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, message := StatusCompleted, ""
	if runErr != nil {
		status, message = StatusFailed, runErr.Error()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET best_psnr = ?, status = ?, error = ?, finished_at = ?
		WHERE run_id = ?`,
		bestPSNR, status, message, time.Now().UnixMilli(), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// Runs returns up to limit runs, newest first. limit <= 0 returns all.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, model, epochs, upscale_factor, learning_rate, seed, best_psnr,
		       status, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Model, &r.Epochs, &r.UpscaleFactor, &r.LearningRate, &r.Seed,
			&r.BestPSNR, &r.Status, &r.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Epochs returns the recorded epochs of a run in order.
func (s *Store) Epochs(ctx context.Context, runID string) ([]Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT epoch, train_loss, psnr, learning_rate, checkpointed, error, duration_ms
		FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query epochs: %w", err)
	}
	defer rows.Close()

	var epochs []Epoch
	for rows.Next() {
		e := Epoch{RunID: runID}
		var checkpointed int
		var durationMs int64
		if err := rows.Scan(&e.Epoch, &e.TrainLoss, &e.PSNR, &e.LearningRate, &checkpointed, &e.Error, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan epoch: %w", err)
		}
		e.Checkpointed = checkpointed != 0
		e.Duration = time.Duration(durationMs) * time.Millisecond
		epochs = append(epochs, e)
	}
	return epochs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
