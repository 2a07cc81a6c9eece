package domain

// SkillRef is a pointer to a discovered skill descriptor: its manifest
// entry without the body text.
type SkillRef struct {
	Name        string
	Description string
	Path        string
}

// Capability is a policy bundle a task can run under. Policies select a
// model tier and scope cost accounting.
type Capability struct {
	ID          string
	Name        string
	Description string
	ModelTier   ModelTier
}
