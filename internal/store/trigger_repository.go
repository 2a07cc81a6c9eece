package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/foreman/internal/domain"
)

// ErrTriggerNotFound is returned when a trigger lookup matches no row.
var ErrTriggerNotFound = errors.New("trigger not found")

// triggerColumns is the list of columns to select for trigger queries.
const triggerColumns = `id, worker_name, title, prompt, cron_expr, skills, model_tier,
	capability_id, enabled, last_run, next_run, created_at, updated_at`

// TriggerRepository provides access to time triggers and their firing
// idempotency keys.
type TriggerRepository struct {
	db *sql.DB
}

func newTriggerRepository(db *sql.DB) *TriggerRepository {
	return &TriggerRepository{db: db}
}

func scanTrigger(scanner interface{ Scan(...any) error }) (*triggerModel, error) {
	var model triggerModel
	err := scanner.Scan(
		&model.ID, &model.WorkerName, &model.Title, &model.Prompt, &model.CronExpr,
		&model.Skills, &model.ModelTier, &model.CapabilityID, &model.Enabled,
		&model.LastRun, &model.NextRun, &model.CreatedAt, &model.UpdatedAt,
	)
	return &model, err
}

// Save inserts or updates a trigger by id.
func (r *TriggerRepository) Save(t *domain.Trigger) error {
	if t.ID == "" {
		t.ID = domain.NewID()
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.ModelTier == "" {
		t.ModelTier = domain.TierStandard
	}

	m := toTriggerModel(t)
	_, err := r.db.Exec(
		`INSERT INTO triggers (id, worker_name, title, prompt, cron_expr, skills, model_tier,
			capability_id, enabled, last_run, next_run, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			worker_name = excluded.worker_name,
			title = excluded.title,
			prompt = excluded.prompt,
			cron_expr = excluded.cron_expr,
			skills = excluded.skills,
			model_tier = excluded.model_tier,
			capability_id = excluded.capability_id,
			enabled = excluded.enabled,
			last_run = excluded.last_run,
			next_run = excluded.next_run,
			updated_at = excluded.updated_at`,
		m.ID, m.WorkerName, m.Title, m.Prompt, m.CronExpr, m.Skills, m.ModelTier,
		m.CapabilityID, m.Enabled, m.LastRun, m.NextRun, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving trigger: %w", err)
	}
	return nil
}

// Get retrieves a trigger by id.
func (r *TriggerRepository) Get(id string) (*domain.Trigger, error) {
	row := r.db.QueryRow(`SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id)
	model, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTriggerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting trigger: %w", err)
	}
	return model.toDomain(), nil
}

// List returns all triggers ordered by title.
func (r *TriggerRepository) List() ([]*domain.Trigger, error) {
	return r.list(`SELECT ` + triggerColumns + ` FROM triggers ORDER BY title`)
}

// ListDue returns enabled triggers whose next-run is unset or at/before
// now. The caller recomputes next-run and saves.
func (r *TriggerRepository) ListDue(now time.Time) ([]*domain.Trigger, error) {
	return r.list(
		`SELECT `+triggerColumns+` FROM triggers
		 WHERE enabled = 1 AND (next_run IS NULL OR next_run <= ?)
		 ORDER BY id`,
		now.Unix(),
	)
}

func (r *TriggerRepository) list(query string, args ...any) ([]*domain.Trigger, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing triggers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var triggers []*domain.Trigger
	for rows.Next() {
		model, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trigger row: %w", err)
		}
		triggers = append(triggers, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating trigger rows: %w", err)
	}
	return triggers, nil
}

// Delete removes a trigger and its firing history.
func (r *TriggerRepository) Delete(id string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM trigger_firings WHERE trigger_id = ?`, id); err != nil {
		return fmt.Errorf("deleting trigger firings: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting trigger: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking trigger delete: %w", err)
	}
	if affected == 0 {
		return ErrTriggerNotFound
	}
	return tx.Commit()
}

// RecordFiring writes the idempotency key for a firing minute. Returns
// true if this call won the key, false if the minute already fired.
func (r *TriggerRepository) RecordFiring(triggerID, fireKey string) (bool, error) {
	res, err := r.db.Exec(
		`INSERT OR IGNORE INTO trigger_firings (fire_key, trigger_id, fired_at) VALUES (?, ?, ?)`,
		fireKey, triggerID, time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("recording firing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking firing insert: %w", err)
	}
	return affected > 0, nil
}

// MarkRun updates the trigger's last-run and next-run after a firing.
func (r *TriggerRepository) MarkRun(id string, lastRun, nextRun time.Time) error {
	_, err := r.db.Exec(
		`UPDATE triggers SET last_run = ?, next_run = ?, updated_at = ? WHERE id = ?`,
		lastRun.Unix(), nextRun.Unix(), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("marking trigger run: %w", err)
	}
	return nil
}
