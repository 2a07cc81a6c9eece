package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/tracing"
)

// commandOrigin is the optional sender identity carried in a command
// payload. Commands enqueued locally carry no origin and are always
// allowed; chat-originated commands must name an allowed user.
type commandOrigin struct {
	User string `json:"user,omitempty"`
}

// drainCommands handles every pending command in order. Returns true
// when a kill command terminated the worker.
func (s *Scheduler) drainCommands(ctx context.Context) (bool, error) {
	pending, err := s.commands.Pending(s.worker.ID)
	if err != nil {
		return false, fmt.Errorf("listing commands: %w", err)
	}

	for _, cmd := range pending {
		_, span := s.tracer.Start(ctx, tracing.SpanPrefixScheduler+"command", trace.WithAttributes(
			attribute.Int64(tracing.AttrCommandID, cmd.ID),
			attribute.String(tracing.AttrCommandType, string(cmd.Type)),
		))
		span.AddEvent(tracing.EventCommandDispatched)

		killed := false
		if s.originAllowed(cmd) {
			killed = s.dispatchCommand(ctx, cmd)
		}

		if err := s.commands.MarkHandled(cmd.ID); err != nil {
			span.End()
			return false, fmt.Errorf("marking command handled: %w", err)
		}
		span.End()

		if killed {
			return true, nil
		}
	}
	return false, nil
}

// originAllowed applies the allowed-user gate to commands that carry a
// sender identity.
func (s *Scheduler) originAllowed(cmd *domain.Command) bool {
	var origin commandOrigin
	if len(cmd.Payload) > 0 {
		_ = json.Unmarshal(cmd.Payload, &origin)
	}
	if origin.User == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedUsers {
		if allowed == origin.User {
			return true
		}
	}
	log.Warn(log.CatSched, "command from unauthorized user rejected",
		"worker", s.worker.Name, "command", cmd.ID, "user", origin.User)
	return false
}

// dispatchCommand executes one command. Returns true for kill.
func (s *Scheduler) dispatchCommand(ctx context.Context, cmd *domain.Command) bool {
	action, err := cmd.Action()
	if err != nil {
		log.Warn(log.CatSched, "unparseable command",
			"worker", s.worker.Name, "command", cmd.ID, "error", err)
		return false
	}

	log.Info(log.CatSched, "handling command",
		"worker", s.worker.Name, "command", cmd.ID, "type", cmd.Type)

	switch a := action.(type) {
	case domain.AnswerAction:
		s.handleAnswer(ctx, a)
	case domain.KillAction:
		s.handleKill()
		return true
	case domain.PauseAction:
		s.paused = true
	case domain.ResumeAction:
		s.paused = false
	case domain.RetryAction:
		s.handleRetry(a)
	default:
		log.Warn(log.CatSched, "unhandled command type", "type", cmd.Type)
	}
	return false
}

// handleAnswer resumes the task's agent session with the user's text
// as the next turn.
func (s *Scheduler) handleAnswer(ctx context.Context, a domain.AnswerAction) {
	task, err := s.tasks.Get(a.TaskID)
	if err != nil {
		log.Warn(log.CatSched, "answer for unknown task", "task", a.TaskID, "error", err)
		return
	}
	if task.SessionRef == "" {
		log.Warn(log.CatSched, "answer for task without a session", "task", a.TaskID)
		return
	}

	if task.Status != domain.TaskRunning {
		if err := s.tasks.Transition(task.ID, domain.TaskRunning); err != nil {
			log.Warn(log.CatSched, "answer cannot restart task",
				"task", task.ID, "status", task.Status, "error", err)
			return
		}
		task.Status = domain.TaskRunning
	}

	if err := s.pool.Resume(ctx, *task, a.Text, s.onComplete, s.onError); err != nil {
		log.Error(log.CatSched, "resuming session failed", "task", task.ID, "error", err)
		s.failTask(*task, fmt.Sprintf("resume failed: %v", err))
	}
}

// handleKill aborts every session, fails running leaves, and releases
// the worker. The run loop exits after this.
func (s *Scheduler) handleKill() {
	s.stop("killed by user")
}

// handleRetry resets a failed task for another attempt, reopening a
// failed parent so aggregation can run again. The parent rewrite is
// the documented escape hatch from the transition table.
func (s *Scheduler) handleRetry(a domain.RetryAction) {
	task, err := s.tasks.Get(a.TaskID)
	if err != nil {
		log.Warn(log.CatSched, "retry for unknown task", "task", a.TaskID, "error", err)
		return
	}

	if err := s.tasks.ClearForRetry(task.ID); err != nil {
		log.Warn(log.CatSched, "retry rejected", "task", task.ID, "error", err)
		return
	}
	log.Info(log.CatSched, "task reset for retry", "worker", s.worker.Name, "task", task.ID)

	if task.ParentID == "" {
		return
	}
	parent, err := s.tasks.Get(task.ParentID)
	if err != nil {
		log.Warn(log.CatSched, "reading retry parent failed", "parent", task.ParentID, "error", err)
		return
	}
	if parent.Status == domain.TaskFailed {
		if err := s.tasks.ReopenParentForRetry(parent.ID); err != nil {
			log.Warn(log.CatSched, "reopening parent failed", "parent", parent.ID, "error", err)
		}
	}
}
