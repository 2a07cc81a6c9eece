package domain

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
// Valid transitions:
//
//	pending -> running, blocked
//	blocked -> pending
//	running -> done, failed
//	failed  -> pending
//	done    -> (terminal)
type TaskStatus string

const (
	// TaskPending indicates the task is ready to be scheduled.
	TaskPending TaskStatus = "pending"
	// TaskBlocked indicates the task is waiting on unfinished dependencies.
	TaskBlocked TaskStatus = "blocked"
	// TaskRunning indicates an agent session is executing the task.
	TaskRunning TaskStatus = "running"
	// TaskDone indicates the task completed successfully.
	TaskDone TaskStatus = "done"
	// TaskFailed indicates the task terminated with an error.
	TaskFailed TaskStatus = "failed"
)

// validTaskTransitions defines the allowed status transitions for tasks.
// The key is the current status, the value is the set of valid targets.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {
		TaskRunning: true,
		TaskBlocked: true,
	},
	TaskBlocked: {
		TaskPending: true,
	},
	TaskRunning: {
		TaskDone:   true,
		TaskFailed: true,
	},
	TaskFailed: {
		TaskPending: true,
	},
	// Done is terminal.
	TaskDone: {},
}

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized TaskStatus value.
func (s TaskStatus) IsValid() bool {
	_, ok := validTaskTransitions[s]
	return ok
}

// IsTerminal returns true if this status is terminal (done or failed).
// Failed is terminal from the scheduler's point of view; only an explicit
// retry command leaves it.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskDone || s == TaskFailed
}

// CanTransitionTo returns true if transitioning from the current status
// to the target status is valid according to the task state machine.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	allowed, ok := validTaskTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// InitialStatus returns the status a freshly created task must start in:
// blocked when it has dependencies, pending otherwise.
func InitialStatus(deps []string) TaskStatus {
	if len(deps) > 0 {
		return TaskBlocked
	}
	return TaskPending
}

// ErrInvalidTransition is returned when a status transition is rejected.
var ErrInvalidTransition = fmt.Errorf("invalid task transition")

// ExecMode selects how a task's agent session runs.
type ExecMode string

const (
	// ExecAuto runs the agent unattended with permissions skipped.
	ExecAuto ExecMode = "auto"
	// ExecInteractive keeps the agent's permission prompts, surfacing
	// them to the user as needs_input events.
	ExecInteractive ExecMode = "interactive"
)

// ModelTier selects the reasoning model used for a task.
type ModelTier string

const (
	// TierLight is the cheap, fast tier for mechanical subtasks.
	TierLight ModelTier = "haiku"
	// TierStandard is the default tier.
	TierStandard ModelTier = "sonnet"
	// TierDeep is the expensive tier for decomposition and hard subtasks.
	TierDeep ModelTier = "opus"
)

// IsValid returns true for a known tier.
func (m ModelTier) IsValid() bool {
	return m == TierLight || m == TierStandard || m == TierDeep
}

// Task is a unit of work with a prompt, dependencies, status, and an
// optional parent. Root tasks have no parent; decomposition creates the
// children. A task is exclusively mutated by its owning worker scheduler.
type Task struct {
	ID           string
	WorkerID     string
	ParentID     string // empty for root tasks
	Title        string
	Prompt       string
	Status       TaskStatus
	ExecMode     ExecMode
	ModelTier    ModelTier
	SessionRef   string // agent session handle for resume, empty until init
	Deps         []string
	Skills       []string
	CapabilityID string
	Result       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsRoot returns true when the task has no parent.
func (t *Task) IsRoot() bool {
	return t.ParentID == ""
}
