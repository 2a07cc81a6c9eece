package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zjrosen/foreman/internal/domain"
)

// eventColumns is the list of columns to select for event queries.
const eventColumns = `id, worker_id, task_id, type, message, notified, created_at`

// EventRepository provides access to the append-only event log.
type EventRepository struct {
	db *sql.DB
}

func newEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

func scanEvent(scanner interface{ Scan(...any) error }) (*eventModel, error) {
	var model eventModel
	err := scanner.Scan(
		&model.ID, &model.WorkerID, &model.TaskID, &model.Type,
		&model.Message, &model.Notified, &model.CreatedAt,
	)
	return &model, err
}

// Append records an event. The id is assigned by the store and is
// strictly increasing.
func (r *EventRepository) Append(workerID, taskID string, eventType domain.EventType, message string) (int64, error) {
	var taskPtr *string
	if taskID != "" {
		taskPtr = &taskID
	}
	res, err := r.db.Exec(
		`INSERT INTO events (worker_id, task_id, type, message, notified, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		workerID, taskPtr, eventType, message, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("appending event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading event id: %w", err)
	}
	return id, nil
}

// ClaimForNotification atomically selects up to limit unnotified
// user-visible events for a worker, in insertion order, and marks them
// notified. Each event is returned exactly once across all callers.
func (r *EventRepository) ClaimForNotification(workerID string, limit int) ([]*domain.Event, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + eventColumns + ` FROM events
		 WHERE worker_id = ? AND notified = 0 AND type IN (?, ?, ?, ?, ?, ?)
		 ORDER BY id LIMIT ?`
	rows, err := tx.Query(query,
		workerID,
		domain.EventTaskStarted, domain.EventTaskDone, domain.EventTaskFailed,
		domain.EventNeedsInput, domain.EventLoopDetected, domain.EventDepthLimitExceeded,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting unnotified events: %w", err)
	}

	var events []*domain.Event
	for rows.Next() {
		model, err := scanEvent(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		events = append(events, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	_ = rows.Close()

	for _, e := range events {
		if _, err := tx.Exec(`UPDATE events SET notified = 1 WHERE id = ?`, e.ID); err != nil {
			return nil, fmt.Errorf("marking event %d notified: %w", e.ID, err)
		}
		e.Notified = true
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return events, nil
}

// ListForTask returns all events for a task in insertion order.
func (r *EventRepository) ListForTask(taskID string) ([]*domain.Event, error) {
	rows, err := r.db.Query(
		`SELECT `+eventColumns+` FROM events WHERE task_id = ? ORDER BY id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*domain.Event
	for rows.Next() {
		model, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		events = append(events, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return events, nil
}

// CountUnnotified returns the number of unnotified user-visible events
// for a worker. The scheduler's idle check consults this.
func (r *EventRepository) CountUnnotified(workerID string) (int, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM events
		 WHERE worker_id = ? AND notified = 0 AND type IN (?, ?, ?, ?, ?, ?)`,
		workerID,
		domain.EventTaskStarted, domain.EventTaskDone, domain.EventTaskFailed,
		domain.EventNeedsInput, domain.EventLoopDetected, domain.EventDepthLimitExceeded,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unnotified events: %w", err)
	}
	return count, nil
}
