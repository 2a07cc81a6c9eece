package store

import (
	"encoding/json"
	"time"

	"github.com/zjrosen/foreman/internal/domain"
)

// marshalStrings JSON-encodes a string slice for a nullable TEXT column.
// Empty slices encode as NULL.
func marshalStrings(values []string) (*string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	s := string(encoded)
	return &s, nil
}

// workerModel represents the database row for the workers table.
// Fields map directly to SQL columns with Unix timestamps for time values.
type workerModel struct {
	ID              string
	Name            string
	PID             *int64  // nullable
	LivenessSession *string // nullable
	Status          string
	CostUSD         float64
	ChatID          *string // nullable
	CreatedAt       int64
	UpdatedAt       int64
}

func (m *workerModel) toDomain() *domain.Worker {
	w := &domain.Worker{
		ID:        m.ID,
		Name:      m.Name,
		Status:    domain.WorkerStatus(m.Status),
		CostUSD:   m.CostUSD,
		CreatedAt: time.Unix(m.CreatedAt, 0).UTC(),
		UpdatedAt: time.Unix(m.UpdatedAt, 0).UTC(),
	}
	if m.PID != nil {
		w.PID = int(*m.PID)
	}
	if m.LivenessSession != nil {
		w.LivenessSession = *m.LivenessSession
	}
	if m.ChatID != nil {
		w.ChatID = *m.ChatID
	}
	return w
}

// taskModel represents the database row for the tasks table.
// Deps and skills are JSON-encoded string arrays.
type taskModel struct {
	ID           string
	WorkerID     string
	ParentID     *string // nullable
	Title        string
	Prompt       string
	Status       string
	ExecMode     string
	ModelTier    string
	SessionRef   *string // nullable
	Deps         *string // nullable, JSON encoded
	Skills       *string // nullable, JSON encoded
	CapabilityID *string // nullable
	Result       *string // nullable
	CreatedAt    int64
	UpdatedAt    int64
}

func toTaskModel(t *domain.Task) *taskModel {
	m := &taskModel{
		ID:        t.ID,
		WorkerID:  t.WorkerID,
		Title:     t.Title,
		Prompt:    t.Prompt,
		Status:    string(t.Status),
		ExecMode:  string(t.ExecMode),
		ModelTier: string(t.ModelTier),
		CreatedAt: t.CreatedAt.Unix(),
		UpdatedAt: t.UpdatedAt.Unix(),
	}
	if t.ParentID != "" {
		parentID := t.ParentID
		m.ParentID = &parentID
	}
	if t.SessionRef != "" {
		sessionRef := t.SessionRef
		m.SessionRef = &sessionRef
	}
	if len(t.Deps) > 0 {
		if depsJSON, err := json.Marshal(t.Deps); err == nil {
			deps := string(depsJSON)
			m.Deps = &deps
		}
	}
	if len(t.Skills) > 0 {
		if skillsJSON, err := json.Marshal(t.Skills); err == nil {
			skills := string(skillsJSON)
			m.Skills = &skills
		}
	}
	if t.CapabilityID != "" {
		capabilityID := t.CapabilityID
		m.CapabilityID = &capabilityID
	}
	if t.Result != "" {
		result := t.Result
		m.Result = &result
	}
	return m
}

func (m *taskModel) toDomain() *domain.Task {
	t := &domain.Task{
		ID:        m.ID,
		WorkerID:  m.WorkerID,
		Title:     m.Title,
		Prompt:    m.Prompt,
		Status:    domain.TaskStatus(m.Status),
		ExecMode:  domain.ExecMode(m.ExecMode),
		ModelTier: domain.ModelTier(m.ModelTier),
		CreatedAt: time.Unix(m.CreatedAt, 0).UTC(),
		UpdatedAt: time.Unix(m.UpdatedAt, 0).UTC(),
	}
	if m.ParentID != nil {
		t.ParentID = *m.ParentID
	}
	if m.SessionRef != nil {
		t.SessionRef = *m.SessionRef
	}
	if m.Deps != nil {
		_ = json.Unmarshal([]byte(*m.Deps), &t.Deps)
	}
	if m.Skills != nil {
		_ = json.Unmarshal([]byte(*m.Skills), &t.Skills)
	}
	if m.CapabilityID != nil {
		t.CapabilityID = *m.CapabilityID
	}
	if m.Result != nil {
		t.Result = *m.Result
	}
	return t
}

// eventModel represents the database row for the events table.
type eventModel struct {
	ID        int64
	WorkerID  string
	TaskID    *string // nullable
	Type      string
	Message   string
	Notified  bool
	CreatedAt int64
}

func (m *eventModel) toDomain() *domain.Event {
	e := &domain.Event{
		ID:        m.ID,
		WorkerID:  m.WorkerID,
		Type:      domain.EventType(m.Type),
		Message:   m.Message,
		Notified:  m.Notified,
		CreatedAt: time.Unix(m.CreatedAt, 0).UTC(),
	}
	if m.TaskID != nil {
		e.TaskID = *m.TaskID
	}
	return e
}

// commandModel represents the database row for the commands table.
type commandModel struct {
	ID        int64
	WorkerID  string
	Type      string
	Payload   *string // nullable, JSON encoded
	Handled   bool
	CreatedAt int64
}

func (m *commandModel) toDomain() *domain.Command {
	c := &domain.Command{
		ID:        m.ID,
		WorkerID:  m.WorkerID,
		Type:      domain.CommandType(m.Type),
		Handled:   m.Handled,
		CreatedAt: time.Unix(m.CreatedAt, 0).UTC(),
	}
	if m.Payload != nil {
		c.Payload = json.RawMessage(*m.Payload)
	}
	return c
}

// triggerModel represents the database row for the triggers table.
type triggerModel struct {
	ID           string
	WorkerName   string
	Title        string
	Prompt       string
	CronExpr     string
	Skills       *string // nullable, JSON encoded
	ModelTier    string
	CapabilityID *string // nullable
	Enabled      bool
	LastRun      *int64 // Unix timestamp, nullable
	NextRun      *int64 // Unix timestamp, nullable
	CreatedAt    int64
	UpdatedAt    int64
}

func toTriggerModel(t *domain.Trigger) *triggerModel {
	m := &triggerModel{
		ID:         t.ID,
		WorkerName: t.WorkerName,
		Title:      t.Title,
		Prompt:     t.Prompt,
		CronExpr:   t.CronExpr,
		ModelTier:  string(t.ModelTier),
		Enabled:    t.Enabled,
		CreatedAt:  t.CreatedAt.Unix(),
		UpdatedAt:  t.UpdatedAt.Unix(),
	}
	if len(t.Skills) > 0 {
		if skillsJSON, err := json.Marshal(t.Skills); err == nil {
			skills := string(skillsJSON)
			m.Skills = &skills
		}
	}
	if t.CapabilityID != "" {
		capabilityID := t.CapabilityID
		m.CapabilityID = &capabilityID
	}
	if t.LastRun != nil {
		lastRun := t.LastRun.Unix()
		m.LastRun = &lastRun
	}
	if t.NextRun != nil {
		nextRun := t.NextRun.Unix()
		m.NextRun = &nextRun
	}
	return m
}

func (m *triggerModel) toDomain() *domain.Trigger {
	t := &domain.Trigger{
		ID:         m.ID,
		WorkerName: m.WorkerName,
		Title:      m.Title,
		Prompt:     m.Prompt,
		CronExpr:   m.CronExpr,
		ModelTier:  domain.ModelTier(m.ModelTier),
		Enabled:    m.Enabled,
		CreatedAt:  time.Unix(m.CreatedAt, 0).UTC(),
		UpdatedAt:  time.Unix(m.UpdatedAt, 0).UTC(),
	}
	if m.Skills != nil {
		_ = json.Unmarshal([]byte(*m.Skills), &t.Skills)
	}
	if m.CapabilityID != nil {
		t.CapabilityID = *m.CapabilityID
	}
	if m.LastRun != nil {
		lastRun := time.Unix(*m.LastRun, 0).UTC()
		t.LastRun = &lastRun
	}
	if m.NextRun != nil {
		nextRun := time.Unix(*m.NextRun, 0).UTC()
		t.NextRun = &nextRun
	}
	return t
}

// connectorModel represents the database row for the connectors table.
type connectorModel struct {
	Name      string
	RoleScope *string // nullable
	Transport string
	Config    *string // nullable, JSON encoded
	CreatedAt int64
	UpdatedAt int64
}

func (m *connectorModel) toDomain() *domain.Connector {
	c := &domain.Connector{
		Name:      m.Name,
		Transport: domain.ConnectorTransport(m.Transport),
		CreatedAt: time.Unix(m.CreatedAt, 0).UTC(),
		UpdatedAt: time.Unix(m.UpdatedAt, 0).UTC(),
	}
	if m.RoleScope != nil {
		c.RoleScope = *m.RoleScope
	}
	if m.Config != nil {
		c.Config = json.RawMessage(*m.Config)
	}
	return c
}
