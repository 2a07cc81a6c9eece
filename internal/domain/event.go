package domain

import "time"

// EventType identifies a lifecycle event appended to the event log.
type EventType string

const (
	// EventTaskStarted records that an agent session began executing a task.
	EventTaskStarted EventType = "task_started"
	// EventTaskDone records a successful task completion.
	EventTaskDone EventType = "task_done"
	// EventTaskFailed records a task failure.
	EventTaskFailed EventType = "task_failed"
	// EventNeedsInput records a task waiting on a user answer.
	EventNeedsInput EventType = "needs_input"
	// EventAgentStop records an agent session finishing its turn.
	EventAgentStop EventType = "agent_stop"
	// EventFileChanged records a file modification observed during a session.
	EventFileChanged EventType = "file_changed"
	// EventLoopDetected records the loop guard aborting a session.
	EventLoopDetected EventType = "loop_detected"
	// EventDuplicateQuestion records a suppressed repeat question.
	EventDuplicateQuestion EventType = "duplicate_question"
	// EventDepthLimitExceeded records a decomposition refused at max depth.
	EventDepthLimitExceeded EventType = "depth_limit_exceeded"
)

// userVisibleEvents is the set of event types forwarded to the chat channel.
// Internal bookkeeping events (agent_stop, file_changed, duplicate_question)
// stay in the log only.
var userVisibleEvents = map[EventType]bool{
	EventTaskStarted:        true,
	EventTaskDone:           true,
	EventTaskFailed:         true,
	EventNeedsInput:         true,
	EventLoopDetected:       true,
	EventDepthLimitExceeded: true,
}

// UserVisible returns true when events of this type should be dispatched
// to the user's chat channel.
func (t EventType) UserVisible() bool {
	return userVisibleEvents[t]
}

// Event is an append-only record of something that happened to a task.
// Events are claimed exactly once by the notification dispatcher.
type Event struct {
	ID        int64
	WorkerID  string
	TaskID    string
	Type      EventType
	Message   string
	Notified  bool
	CreatedAt time.Time
}
