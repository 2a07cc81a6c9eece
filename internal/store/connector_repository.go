package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/foreman/internal/domain"
)

// ErrConnectorNotFound is returned when a connector lookup matches no row.
var ErrConnectorNotFound = errors.New("connector not found")

// connectorColumns is the list of columns to select for connector queries.
const connectorColumns = `name, role_scope, transport, config, created_at, updated_at`

// ConnectorRepository provides access to connector configurations.
type ConnectorRepository struct {
	db *sql.DB
}

func newConnectorRepository(db *sql.DB) *ConnectorRepository {
	return &ConnectorRepository{db: db}
}

func scanConnector(scanner interface{ Scan(...any) error }) (*connectorModel, error) {
	var model connectorModel
	err := scanner.Scan(
		&model.Name, &model.RoleScope, &model.Transport, &model.Config,
		&model.CreatedAt, &model.UpdatedAt,
	)
	return &model, err
}

// Save inserts or updates a connector by name.
func (r *ConnectorRepository) Save(c *domain.Connector) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Transport == "" {
		c.Transport = domain.TransportPipe
	}

	var rolePtr, configPtr *string
	if c.RoleScope != "" {
		role := c.RoleScope
		rolePtr = &role
	}
	if len(c.Config) > 0 {
		config := string(c.Config)
		configPtr = &config
	}

	_, err := r.db.Exec(
		`INSERT INTO connectors (name, role_scope, transport, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			role_scope = excluded.role_scope,
			transport = excluded.transport,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		c.Name, rolePtr, c.Transport, configPtr, c.CreatedAt.Unix(), c.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("saving connector: %w", err)
	}
	return nil
}

// Get retrieves a connector by name.
func (r *ConnectorRepository) Get(name string) (*domain.Connector, error) {
	row := r.db.QueryRow(`SELECT `+connectorColumns+` FROM connectors WHERE name = ?`, name)
	model, err := scanConnector(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConnectorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting connector: %w", err)
	}
	return model.toDomain(), nil
}

// List returns all connector configs ordered by name.
func (r *ConnectorRepository) List() ([]*domain.Connector, error) {
	rows, err := r.db.Query(`SELECT ` + connectorColumns + ` FROM connectors ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing connectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var connectors []*domain.Connector
	for rows.Next() {
		model, err := scanConnector(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning connector row: %w", err)
		}
		connectors = append(connectors, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connector rows: %w", err)
	}
	return connectors, nil
}
