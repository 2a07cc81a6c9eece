package agent

// ProcessStatus is the lifecycle state of a session process.
type ProcessStatus int

const (
	// StatusPending indicates the process has not yet started.
	StatusPending ProcessStatus = iota
	// StatusRunning indicates the process is actively running.
	StatusRunning
	// StatusCompleted indicates a clean exit.
	StatusCompleted
	// StatusFailed indicates a failed exit.
	StatusFailed
	// StatusCancelled indicates the process was cancelled.
	StatusCancelled
)

func (s ProcessStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for completed, failed, and cancelled.
func (s ProcessStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Process is one running headless session.
type Process interface {
	// Events returns the parsed output stream. Closed on completion.
	Events() <-chan OutputEvent

	// Errors returns process errors. Closed when the process exits.
	Errors() <-chan error

	// SessionRef returns the provider session reference. May be empty
	// until the init event arrives.
	SessionRef() string

	// Status returns the current process status.
	Status() ProcessStatus

	// Cancel terminates the process.
	Cancel() error

	// Wait blocks until the process and its readers finish.
	Wait() error
}
