package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/log"
)

// ErrTaskNotFound is returned when a task lookup matches no row.
var ErrTaskNotFound = errors.New("task not found")

// taskColumns is the list of columns to select for task queries.
const taskColumns = `id, worker_id, parent_id, title, prompt, status, exec_mode, model_tier,
	session_ref, deps, skills, capability_id, result, created_at, updated_at`

// TaskRepository provides access to tasks.
type TaskRepository struct {
	db *sql.DB
}

func newTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func scanTask(scanner interface{ Scan(...any) error }) (*taskModel, error) {
	var model taskModel
	err := scanner.Scan(
		&model.ID, &model.WorkerID, &model.ParentID, &model.Title, &model.Prompt,
		&model.Status, &model.ExecMode, &model.ModelTier,
		&model.SessionRef, &model.Deps, &model.Skills, &model.CapabilityID, &model.Result,
		&model.CreatedAt, &model.UpdatedAt,
	)
	return &model, err
}

const insertTaskSQL = `INSERT INTO tasks (
	id, worker_id, parent_id, title, prompt, status, exec_mode, model_tier,
	session_ref, deps, skills, capability_id, result, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertTask(execer interface {
	Exec(string, ...any) (sql.Result, error)
}, t *domain.Task,
) error {
	m := toTaskModel(t)
	_, err := execer.Exec(insertTaskSQL,
		m.ID, m.WorkerID, m.ParentID, m.Title, m.Prompt, m.Status, m.ExecMode, m.ModelTier,
		m.SessionRef, m.Deps, m.Skills, m.CapabilityID, m.Result, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

// Create inserts a single task. A missing id, status, or timestamps are
// filled in; status defaults per the dependency rule.
func (r *TaskRepository) Create(t *domain.Task) error {
	prepareTask(t)
	if err := insertTask(r.db, t); err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	return nil
}

// CreateBatch inserts tasks all-or-nothing and returns their ids in input
// order. Decomposition uses this so a failure never leaves a half-created
// graph.
func (r *TaskRepository) CreateBatch(tasks []*domain.Task) ([]string, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		prepareTask(t)
		if err := insertTask(tx, t); err != nil {
			return nil, fmt.Errorf("creating task %q: %w", t.Title, err)
		}
		ids = append(ids, t.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing batch: %w", err)
	}
	return ids, nil
}

func prepareTask(t *domain.Task) {
	if t.ID == "" {
		t.ID = domain.NewID()
	}
	if t.Status == "" {
		t.Status = domain.InitialStatus(t.Deps)
	}
	if t.ExecMode == "" {
		t.ExecMode = domain.ExecAuto
	}
	if t.ModelTier == "" {
		t.ModelTier = domain.TierStandard
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}

// DepUpdate is one entry of a transactional dependency rewrite.
type DepUpdate struct {
	TaskID string
	Deps   []string
	Status domain.TaskStatus
}

// SetDependencies applies (task id, dep ids, new status) tuples atomically.
// Used after decomposition once title-to-id resolution is complete.
func (r *TaskRepository) SetDependencies(updates []DepUpdate) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	for _, u := range updates {
		deps, err := marshalStrings(u.Deps)
		if err != nil {
			return fmt.Errorf("encoding deps for %s: %w", u.TaskID, err)
		}
		res, err := tx.Exec(
			`UPDATE tasks SET deps = ?, status = ?, updated_at = ? WHERE id = ?`,
			deps, u.Status, now, u.TaskID,
		)
		if err != nil {
			return fmt.Errorf("updating deps for %s: %w", u.TaskID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking deps update for %s: %w", u.TaskID, err)
		}
		if affected == 0 {
			return fmt.Errorf("updating deps for %s: %w", u.TaskID, ErrTaskNotFound)
		}
	}

	return tx.Commit()
}

// Get retrieves a task by id.
func (r *TaskRepository) Get(id string) (*domain.Task, error) {
	row := r.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	model, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting task: %w", err)
	}
	return model.toDomain(), nil
}

// Transition applies a guarded status transition: the allowed-transition
// table is consulted inside the transaction, so concurrent attempts are
// serialized by the store's write lock. Rejections return
// domain.ErrInvalidTransition and are logged, never silently dropped.
func (r *TaskRepository) Transition(id string, target domain.TaskStatus) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("reading task status: %w", err)
	}

	from := domain.TaskStatus(current)
	if !from.CanTransitionTo(target) {
		log.Warn(log.CatDB, "rejected task transition", "task", id, "from", from, "to", target)
		return fmt.Errorf("task %s: %s -> %s: %w", id, from, target, domain.ErrInvalidTransition)
	}

	if _, err := tx.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		target, time.Now().Unix(), id,
	); err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	return tx.Commit()
}

// SetResult stores the task's result payload.
func (r *TaskRepository) SetResult(id, result string) error {
	_, err := r.db.Exec(
		`UPDATE tasks SET result = ?, updated_at = ? WHERE id = ?`,
		result, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("setting task result: %w", err)
	}
	return nil
}

// SetSessionRef records the agent session handle on the task. Set once
// from the session's init message; used later to resume.
func (r *TaskRepository) SetSessionRef(id, sessionRef string) error {
	_, err := r.db.Exec(
		`UPDATE tasks SET session_ref = ?, updated_at = ? WHERE id = ?`,
		sessionRef, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("setting task session ref: %w", err)
	}
	return nil
}

// ClearForRetry resets a failed task to pending, dropping its result and
// session handle so it re-executes from scratch.
func (r *TaskRepository) ClearForRetry(id string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("reading task status: %w", err)
	}
	if domain.TaskStatus(current) != domain.TaskFailed {
		return fmt.Errorf("task %s is %s, only failed tasks can be retried: %w",
			id, current, domain.ErrInvalidTransition)
	}

	if _, err := tx.Exec(
		`UPDATE tasks SET status = ?, result = NULL, session_ref = NULL, updated_at = ? WHERE id = ?`,
		domain.TaskPending, time.Now().Unix(), id,
	); err != nil {
		return fmt.Errorf("resetting task for retry: %w", err)
	}
	return tx.Commit()
}

// ReopenParentForRetry rewrites a failed parent back to running so a
// retried child can complete into it. This is the one sanctioned bypass
// of the transition table; nothing else may move failed -> running.
func (r *TaskRepository) ReopenParentForRetry(parentID string) error {
	res, err := r.db.Exec(
		`UPDATE tasks SET status = ?, result = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		domain.TaskRunning, time.Now().Unix(), parentID, domain.TaskFailed,
	)
	if err != nil {
		return fmt.Errorf("reopening parent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking reopen: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("parent %s not in failed state: %w", parentID, domain.ErrInvalidTransition)
	}
	return nil
}

// PromoteUnblocked flips blocked tasks whose dependency sets are fully
// done to pending, one transaction per task, and returns the promoted set.
func (r *TaskRepository) PromoteUnblocked(workerID string) ([]*domain.Task, error) {
	blocked, err := r.ListByStatus(workerID, domain.TaskBlocked)
	if err != nil {
		return nil, err
	}

	var promoted []*domain.Task
	for _, t := range blocked {
		ready, err := r.depsAllDone(t.Deps)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}
		if err := r.Transition(t.ID, domain.TaskPending); err != nil {
			// A concurrent writer may have moved the task; skip it.
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			return nil, err
		}
		t.Status = domain.TaskPending
		promoted = append(promoted, t)
	}
	return promoted, nil
}

func (r *TaskRepository) depsAllDone(deps []string) (bool, error) {
	for _, depID := range deps {
		var status string
		err := r.db.QueryRow(`SELECT status FROM tasks WHERE id = ?`, depID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			// Dangling dep id: never promotable, surface loudly.
			return false, fmt.Errorf("dependency %s: %w", depID, ErrTaskNotFound)
		}
		if err != nil {
			return false, fmt.Errorf("reading dependency status: %w", err)
		}
		if domain.TaskStatus(status) != domain.TaskDone {
			return false, nil
		}
	}
	return true, nil
}

// ListByStatus returns a worker's tasks in the given status, in creation
// order.
func (r *TaskRepository) ListByStatus(workerID string, status domain.TaskStatus) ([]*domain.Task, error) {
	return r.list(
		`SELECT `+taskColumns+` FROM tasks WHERE worker_id = ? AND status = ? ORDER BY id`,
		workerID, status,
	)
}

// ListForWorker returns all of a worker's tasks in creation order.
func (r *TaskRepository) ListForWorker(workerID string) ([]*domain.Task, error) {
	return r.list(`SELECT `+taskColumns+` FROM tasks WHERE worker_id = ? ORDER BY id`, workerID)
}

// Children returns the direct children of a parent in creation order.
// Ids are time-ordered, so this ordering is stable across retries.
func (r *TaskRepository) Children(parentID string) ([]*domain.Task, error) {
	return r.list(`SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY id`, parentID)
}

func (r *TaskRepository) list(query string, args ...any) ([]*domain.Task, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		model, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return tasks, nil
}

// GetRoot returns the worker's root task (no parent). Returns
// ErrTaskNotFound when the worker has no root yet.
func (r *TaskRepository) GetRoot(workerID string) (*domain.Task, error) {
	row := r.db.QueryRow(
		`SELECT `+taskColumns+` FROM tasks WHERE worker_id = ? AND parent_id IS NULL ORDER BY id LIMIT 1`,
		workerID,
	)
	model, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting root task: %w", err)
	}
	return model.toDomain(), nil
}

// HasChildren reports whether a task has at least one child. Non-leaf
// tasks are aggregated, never executed.
func (r *TaskRepository) HasChildren(id string) (bool, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE parent_id = ?`, id).Scan(&count); err != nil {
		return false, fmt.Errorf("counting children: %w", err)
	}
	return count > 0, nil
}

// AllChildrenDone reports whether every child of the parent is done.
// A parent with no children reports false.
func (r *TaskRepository) AllChildrenDone(parentID string) (bool, error) {
	var total, done int
	err := r.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(status = ?), 0) FROM tasks WHERE parent_id = ?`,
		domain.TaskDone, parentID,
	).Scan(&total, &done)
	if err != nil {
		return false, fmt.Errorf("counting done children: %w", err)
	}
	return total > 0 && total == done, nil
}

// AnyChildFailed reports whether any child of the parent has failed.
func (r *TaskRepository) AnyChildFailed(parentID string) (bool, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM tasks WHERE parent_id = ? AND status = ?`,
		parentID, domain.TaskFailed,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("counting failed children: %w", err)
	}
	return count > 0, nil
}

// Depth returns how many ancestors the task has: 0 for a root, 1 for its
// children, and so on. Walks the parent chain with a hop cap so a
// corrupted cycle cannot spin forever.
func (r *TaskRepository) Depth(id string) (int, error) {
	const maxHops = 32

	depth := 0
	current := id
	for depth < maxHops {
		var parent sql.NullString
		err := r.db.QueryRow(`SELECT parent_id FROM tasks WHERE id = ?`, current).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrTaskNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("walking ancestry: %w", err)
		}
		if !parent.Valid {
			return depth, nil
		}
		current = parent.String
		depth++
	}
	return 0, fmt.Errorf("ancestry of task %s exceeds %d hops", id, maxHops)
}

// CountLive returns the number of tasks in non-terminal statuses for a
// worker.
func (r *TaskRepository) CountLive(workerID string) (int, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM tasks WHERE worker_id = ? AND status IN (?, ?, ?)`,
		workerID, domain.TaskPending, domain.TaskBlocked, domain.TaskRunning,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting live tasks: %w", err)
	}
	return count, nil
}
