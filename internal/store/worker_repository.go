package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/log"
)

// ErrWorkerNotFound is returned when a worker lookup matches no row.
var ErrWorkerNotFound = errors.New("worker not found")

// workerColumns is the list of columns to select for worker queries.
const workerColumns = `id, name, pid, liveness_session, status, cost_usd, chat_id, created_at, updated_at`

// WorkerRepository provides access to worker records.
type WorkerRepository struct {
	db *sql.DB
}

func newWorkerRepository(db *sql.DB) *WorkerRepository {
	return &WorkerRepository{db: db}
}

func scanWorker(scanner interface{ Scan(...any) error }) (*workerModel, error) {
	var model workerModel
	err := scanner.Scan(
		&model.ID, &model.Name, &model.PID, &model.LivenessSession,
		&model.Status, &model.CostUSD, &model.ChatID,
		&model.CreatedAt, &model.UpdatedAt,
	)
	return &model, err
}

// GetOrCreate looks up a worker by name, creating a dormant record if none
// exists. Lookup and creation happen in one transaction so concurrent
// callers converge on the same row. A non-empty chatID that differs from
// the stored handle updates it.
func (r *WorkerRepository) GetOrCreate(name, chatID string) (*domain.Worker, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE name = ?`, name)
	model, err := scanWorker(row)
	switch {
	case err == nil:
		if chatID != "" && (model.ChatID == nil || *model.ChatID != chatID) {
			now := time.Now().Unix()
			if _, err := tx.Exec(
				`UPDATE workers SET chat_id = ?, updated_at = ? WHERE id = ?`,
				chatID, now, model.ID,
			); err != nil {
				return nil, fmt.Errorf("updating chat id: %w", err)
			}
			model.ChatID = &chatID
			model.UpdatedAt = now
		}
	case errors.Is(err, sql.ErrNoRows):
		now := time.Now().Unix()
		id := domain.NewID()
		var chatPtr *string
		if chatID != "" {
			chatPtr = &chatID
		}
		if _, err := tx.Exec(
			`INSERT INTO workers (id, name, status, cost_usd, chat_id, created_at, updated_at)
			 VALUES (?, ?, ?, 0, ?, ?, ?)`,
			id, name, domain.WorkerDormant, chatPtr, now, now,
		); err != nil {
			return nil, fmt.Errorf("creating worker: %w", err)
		}
		model = &workerModel{
			ID: id, Name: name, Status: string(domain.WorkerDormant),
			ChatID: chatPtr, CreatedAt: now, UpdatedAt: now,
		}
	default:
		return nil, fmt.Errorf("looking up worker: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	return model.toDomain(), nil
}

// Get retrieves a worker by id.
func (r *WorkerRepository) Get(id string) (*domain.Worker, error) {
	row := r.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	model, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting worker: %w", err)
	}
	return model.toDomain(), nil
}

// GetByName retrieves a worker by its unique name.
func (r *WorkerRepository) GetByName(name string) (*domain.Worker, error) {
	row := r.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE name = ?`, name)
	model, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting worker by name: %w", err)
	}
	return model.toDomain(), nil
}

// List returns all worker records.
func (r *WorkerRepository) List() ([]*domain.Worker, error) {
	rows, err := r.db.Query(`SELECT ` + workerColumns + ` FROM workers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*domain.Worker
	for rows.Next() {
		model, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning worker row: %w", err)
		}
		workers = append(workers, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating worker rows: %w", err)
	}
	return workers, nil
}

// ListActive returns workers whose status is active.
func (r *WorkerRepository) ListActive() ([]*domain.Worker, error) {
	return r.listByStatus(domain.WorkerActive)
}

func (r *WorkerRepository) listByStatus(status domain.WorkerStatus) ([]*domain.Worker, error) {
	rows, err := r.db.Query(`SELECT `+workerColumns+` FROM workers WHERE status = ? ORDER BY name`, status)
	if err != nil {
		return nil, fmt.Errorf("listing workers by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*domain.Worker
	for rows.Next() {
		model, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning worker row: %w", err)
		}
		workers = append(workers, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating worker rows: %w", err)
	}
	return workers, nil
}

// ListDormantWithWork returns dormant workers that own at least one task
// in a non-terminal status. The supervisor sweep spawns these.
func (r *WorkerRepository) ListDormantWithWork() ([]*domain.Worker, error) {
	rows, err := r.db.Query(
		`SELECT `+workerColumns+` FROM workers w
		 WHERE w.status = ?
		   AND EXISTS (
		       SELECT 1 FROM tasks t
		       WHERE t.worker_id = w.id AND t.status IN (?, ?, ?)
		   )
		 ORDER BY w.name`,
		domain.WorkerDormant, domain.TaskPending, domain.TaskBlocked, domain.TaskRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("listing dormant workers with work: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*domain.Worker
	for rows.Next() {
		model, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning worker row: %w", err)
		}
		workers = append(workers, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating worker rows: %w", err)
	}
	return workers, nil
}

// Heartbeat touches the worker's updated timestamp. The supervisor uses
// the timestamp to distinguish a crashed worker from one that just died.
func (r *WorkerRepository) Heartbeat(id string) error {
	_, err := r.db.Exec(`UPDATE workers SET updated_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("heartbeating worker: %w", err)
	}
	return nil
}

// UpdateStatus applies a guarded worker status transition.
func (r *WorkerRepository) UpdateStatus(id string, target domain.WorkerStatus) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRow(`SELECT status FROM workers WHERE id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrWorkerNotFound
		}
		return fmt.Errorf("reading worker status: %w", err)
	}

	from := domain.WorkerStatus(current)
	if from == target {
		return nil
	}
	if !from.CanTransitionTo(target) {
		log.Warn(log.CatDB, "rejected worker transition", "worker", id, "from", from, "to", target)
		return fmt.Errorf("worker %s: illegal transition %s -> %s", id, from, target)
	}

	if _, err := tx.Exec(
		`UPDATE workers SET status = ?, updated_at = ? WHERE id = ?`,
		target, time.Now().Unix(), id,
	); err != nil {
		return fmt.Errorf("updating worker status: %w", err)
	}
	return tx.Commit()
}

// SetProcess records the spawned child's process id and optional
// liveness session on the worker.
func (r *WorkerRepository) SetProcess(id string, pid int, livenessSession string) error {
	var sessionPtr *string
	if livenessSession != "" {
		sessionPtr = &livenessSession
	}
	_, err := r.db.Exec(
		`UPDATE workers SET pid = ?, liveness_session = ?, updated_at = ? WHERE id = ?`,
		pid, sessionPtr, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("setting worker process: %w", err)
	}
	return nil
}

// ClearProcess nulls the process id and liveness session.
func (r *WorkerRepository) ClearProcess(id string) error {
	_, err := r.db.Exec(
		`UPDATE workers SET pid = NULL, liveness_session = NULL, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("clearing worker process: %w", err)
	}
	return nil
}

// AddCost accumulates cost onto the worker. Negative deltas are rejected
// so the accumulator stays monotonic.
func (r *WorkerRepository) AddCost(id string, deltaUSD float64) error {
	if deltaUSD < 0 {
		return fmt.Errorf("negative cost delta: %f", deltaUSD)
	}
	_, err := r.db.Exec(
		`UPDATE workers SET cost_usd = cost_usd + ?, updated_at = ? WHERE id = ?`,
		deltaUSD, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("adding worker cost: %w", err)
	}
	return nil
}
