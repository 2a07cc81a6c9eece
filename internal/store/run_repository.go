package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zjrosen/foreman/internal/domain"
)

// runColumns is the list of columns to select for run queries.
const runColumns = `id, worker_id, task_id, started_at, ended_at, elapsed_ms, model, timeout_ms,
	request_chars, prompt_chars, result_chars, parse_attempts, fallback, error_code, raw_head`

// RunRepository provides access to decomposition run records.
type RunRepository struct {
	db *sql.DB
}

func newRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Record persists a completed run record.
func (r *RunRepository) Record(run *domain.Run) error {
	if run.ID == "" {
		run.ID = domain.NewID()
	}

	var taskPtr *string
	if run.TaskID != "" {
		taskID := run.TaskID
		taskPtr = &taskID
	}
	var endedPtr *int64
	if run.EndedAt != nil {
		ended := run.EndedAt.Unix()
		endedPtr = &ended
	}
	var errPtr *string
	if run.ErrorCode != "" {
		errCode := run.ErrorCode
		errPtr = &errCode
	}

	_, err := r.db.Exec(
		`INSERT INTO runs (id, worker_id, task_id, started_at, ended_at, elapsed_ms, model, timeout_ms,
			request_chars, prompt_chars, result_chars, parse_attempts, fallback, error_code, raw_head)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkerID, taskPtr, run.StartedAt.Unix(), endedPtr,
		run.Elapsed.Milliseconds(), run.Model, run.Timeout.Milliseconds(),
		run.RequestChars, run.PromptChars, run.ResultChars, run.ParseAttempts,
		run.Fallback, errPtr, run.RawHead,
	)
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

// ListForWorker returns a worker's run records, newest first.
func (r *RunRepository) ListForWorker(workerID string, limit int) ([]*domain.Run, error) {
	rows, err := r.db.Query(
		`SELECT `+runColumns+` FROM runs WHERE worker_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		workerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run rows: %w", err)
	}
	return runs, nil
}

func scanRun(scanner interface{ Scan(...any) error }) (*domain.Run, error) {
	var (
		run       domain.Run
		taskID    *string
		startedAt int64
		endedAt   *int64
		elapsedMS int64
		timeoutMS int64
		errCode   *string
	)
	err := scanner.Scan(
		&run.ID, &run.WorkerID, &taskID, &startedAt, &endedAt, &elapsedMS, &run.Model, &timeoutMS,
		&run.RequestChars, &run.PromptChars, &run.ResultChars, &run.ParseAttempts,
		&run.Fallback, &errCode, &run.RawHead,
	)
	if err != nil {
		return nil, err
	}
	if taskID != nil {
		run.TaskID = *taskID
	}
	run.StartedAt = time.Unix(startedAt, 0).UTC()
	if endedAt != nil {
		ended := time.Unix(*endedAt, 0).UTC()
		run.EndedAt = &ended
	}
	run.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	run.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if errCode != nil {
		run.ErrorCode = *errCode
	}
	return &run, nil
}
