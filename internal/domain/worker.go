package domain

import "time"

// WorkerStatus represents the lifecycle state of a worker record.
// Valid transitions:
//
//	dormant -> active
//	active  -> dormant, error
//	error   -> dormant, active
//
// The supervisor is the sole authority for leaving the error state.
type WorkerStatus string

const (
	// WorkerDormant indicates no scheduler process owns the worker.
	WorkerDormant WorkerStatus = "dormant"
	// WorkerActive indicates a scheduler process is running for the worker.
	WorkerActive WorkerStatus = "active"
	// WorkerError indicates the worker's process died or gave up; the
	// supervisor decides whether to respawn.
	WorkerError WorkerStatus = "error"
)

var validWorkerTransitions = map[WorkerStatus]map[WorkerStatus]bool{
	WorkerDormant: {
		WorkerActive: true,
		WorkerError:  true,
	},
	WorkerActive: {
		WorkerDormant: true,
		WorkerError:   true,
	},
	WorkerError: {
		WorkerDormant: true,
		WorkerActive:  true,
	},
}

// String returns the string representation of the WorkerStatus.
func (s WorkerStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized WorkerStatus value.
func (s WorkerStatus) IsValid() bool {
	_, ok := validWorkerTransitions[s]
	return ok
}

// CanTransitionTo returns true if transitioning from the current status
// to the target status is valid.
func (s WorkerStatus) CanTransitionTo(target WorkerStatus) bool {
	allowed, ok := validWorkerTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// Worker is the persistent record for a per-project scheduler process.
// Lifecycle fields (PID, liveness session) are owned by the supervisor;
// status transitions and cost are owned by the worker's own scheduler.
type Worker struct {
	ID              string
	Name            string // unique
	PID             int    // 0 when no process is recorded
	LivenessSession string // terminal-multiplexer session name, empty when raw-detached
	Status          WorkerStatus
	CostUSD         float64 // accumulated, monotonically non-decreasing
	ChatID          string  // chat channel handle for notifications
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasProcess returns true when a process id is recorded for the worker.
func (w *Worker) HasProcess() bool {
	return w.PID > 0
}
