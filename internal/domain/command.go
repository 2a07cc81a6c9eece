package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandType identifies a control command addressed to a worker.
type CommandType string

const (
	// CommandAnswer resumes a waiting task's agent session with user text.
	CommandAnswer CommandType = "answer"
	// CommandKill aborts all in-flight agents and stops the worker.
	CommandKill CommandType = "kill"
	// CommandPause stops spawning new work while keeping in-flight agents.
	CommandPause CommandType = "pause"
	// CommandResume clears a previous pause.
	CommandResume CommandType = "resume"
	// CommandRetry resets a failed task back to pending.
	CommandRetry CommandType = "retry"
)

// Command is a persisted control command inserted by the chat relay and
// consumed exactly once by the target worker scheduler.
type Command struct {
	ID        int64
	WorkerID  string
	Type      CommandType
	Payload   json.RawMessage
	Handled   bool
	CreatedAt time.Time
}

// Action is the decoded, typed form of a command payload.
// The payload stays an opaque blob in the store for forward compatibility;
// known variants decode to structured fields.
type Action interface {
	isAction()
}

// AnswerAction carries user text for a task waiting on input.
type AnswerAction struct {
	TaskID string `json:"task_id"`
	Text   string `json:"text"`
}

// RetryAction identifies the failed task to reset.
type RetryAction struct {
	TaskID string `json:"task_id"`
}

// KillAction aborts the worker.
type KillAction struct{}

// PauseAction suspends new-work spawning.
type PauseAction struct{}

// ResumeAction clears a pause.
type ResumeAction struct{}

func (AnswerAction) isAction() {}
func (RetryAction) isAction()  {}
func (KillAction) isAction()   {}
func (PauseAction) isAction()  {}
func (ResumeAction) isAction() {}

// Action decodes the command payload into its typed variant.
func (c *Command) Action() (Action, error) {
	switch c.Type {
	case CommandAnswer:
		var a AnswerAction
		if err := json.Unmarshal(c.Payload, &a); err != nil {
			return nil, fmt.Errorf("decoding answer payload: %w", err)
		}
		if a.TaskID == "" {
			return nil, fmt.Errorf("answer command missing task_id")
		}
		return a, nil
	case CommandRetry:
		var a RetryAction
		if err := json.Unmarshal(c.Payload, &a); err != nil {
			return nil, fmt.Errorf("decoding retry payload: %w", err)
		}
		if a.TaskID == "" {
			return nil, fmt.Errorf("retry command missing task_id")
		}
		return a, nil
	case CommandKill:
		return KillAction{}, nil
	case CommandPause:
		return PauseAction{}, nil
	case CommandResume:
		return ResumeAction{}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %s", c.Type)
	}
}
