package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/foreman/internal/domain"
)

// commandColumns is the list of columns to select for command queries.
const commandColumns = `id, worker_id, type, payload, handled, created_at`

// CommandRepository provides access to control commands.
type CommandRepository struct {
	db *sql.DB
}

func newCommandRepository(db *sql.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

func scanCommand(scanner interface{ Scan(...any) error }) (*commandModel, error) {
	var model commandModel
	err := scanner.Scan(
		&model.ID, &model.WorkerID, &model.Type, &model.Payload,
		&model.Handled, &model.CreatedAt,
	)
	return &model, err
}

// Enqueue inserts a command for a worker. The payload may be nil for
// commands that carry no arguments.
func (r *CommandRepository) Enqueue(workerID string, cmdType domain.CommandType, payload json.RawMessage) (int64, error) {
	var payloadPtr *string
	if len(payload) > 0 {
		s := string(payload)
		payloadPtr = &s
	}
	res, err := r.db.Exec(
		`INSERT INTO commands (worker_id, type, payload, handled, created_at)
		 VALUES (?, ?, ?, 0, ?)`,
		workerID, cmdType, payloadPtr, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueueing command: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading command id: %w", err)
	}
	return id, nil
}

// Pending returns unhandled commands for a worker in insertion order.
// The caller marks each handled after its dispatch returns, so a crash
// mid-drain re-delivers the remainder.
func (r *CommandRepository) Pending(workerID string) ([]*domain.Command, error) {
	rows, err := r.db.Query(
		`SELECT `+commandColumns+` FROM commands WHERE worker_id = ? AND handled = 0 ORDER BY id`,
		workerID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing pending commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var commands []*domain.Command
	for rows.Next() {
		model, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command row: %w", err)
		}
		commands = append(commands, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command rows: %w", err)
	}
	return commands, nil
}

// MarkHandled flags a command as consumed.
func (r *CommandRepository) MarkHandled(id int64) error {
	_, err := r.db.Exec(`UPDATE commands SET handled = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking command handled: %w", err)
	}
	return nil
}
