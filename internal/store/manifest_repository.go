package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zjrosen/foreman/internal/domain"
)

// ManifestRepository persists the capability and skill manifests the
// supervisor syncs on its slow cadence. Upserts are idempotent.
type ManifestRepository struct {
	db *sql.DB
}

func newManifestRepository(db *sql.DB) *ManifestRepository {
	return &ManifestRepository{db: db}
}

// UpsertSkill records a discovered skill descriptor.
func (r *ManifestRepository) UpsertSkill(name, description, path string) error {
	_, err := r.db.Exec(
		`INSERT INTO skills (name, description, path, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			path = excluded.path,
			updated_at = excluded.updated_at`,
		name, description, path, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upserting skill: %w", err)
	}
	return nil
}

// ListSkills returns all recorded skill descriptors ordered by name.
func (r *ManifestRepository) ListSkills() ([]domain.SkillRef, error) {
	rows, err := r.db.Query(`SELECT name, description, path FROM skills ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing skills: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var skills []domain.SkillRef
	for rows.Next() {
		var s domain.SkillRef
		if err := rows.Scan(&s.Name, &s.Description, &s.Path); err != nil {
			return nil, fmt.Errorf("scanning skill row: %w", err)
		}
		skills = append(skills, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating skill rows: %w", err)
	}
	return skills, nil
}

// UpsertCapability records a capability policy.
func (r *ManifestRepository) UpsertCapability(c domain.Capability) error {
	_, err := r.db.Exec(
		`INSERT INTO capabilities (id, name, description, model_tier, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			model_tier = excluded.model_tier,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Description, c.ModelTier, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upserting capability: %w", err)
	}
	return nil
}

// ListCapabilities returns all capability policies ordered by id.
func (r *ManifestRepository) ListCapabilities() ([]domain.Capability, error) {
	rows, err := r.db.Query(`SELECT id, name, description, model_tier FROM capabilities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing capabilities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var caps []domain.Capability
	for rows.Next() {
		var c domain.Capability
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.ModelTier); err != nil {
			return nil, fmt.Errorf("scanning capability row: %w", err)
		}
		caps = append(caps, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating capability rows: %w", err)
	}
	return caps, nil
}
