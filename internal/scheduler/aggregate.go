package scheduler

import (
	"encoding/json"
	"fmt"

	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/log"
)

// unparsedLimit caps the wrapped message for sibling results that do
// not parse as the wire contract.
const unparsedLimit = 500

// settle records one agent settlement and re-evaluates the parent.
func (s *Scheduler) settle(c completion) {
	if c.err != nil {
		log.Info(log.CatSched, "task failed",
			"worker", s.worker.Name, "task", c.task.ID, "error", c.err)
		s.failTask(c.task, c.err.Error())
		return
	}

	if err := s.tasks.SetResult(c.task.ID, c.result); err != nil {
		log.Warn(log.CatSched, "recording result failed", "task", c.task.ID, "error", err)
	}
	if err := s.tasks.Transition(c.task.ID, domain.TaskDone); err != nil {
		log.Warn(log.CatSched, "completing task rejected", "task", c.task.ID, "error", err)
		return
	}
	s.appendEvent(c.task.ID, domain.EventTaskDone, c.result)
	log.Info(log.CatSched, "task done", "worker", s.worker.Name, "task", c.task.ID)

	if c.task.ParentID != "" {
		s.evaluateParent(c.task.ParentID)
	}
}

// evaluateParent settles a parent whose children changed state. All
// children done means aggregate and flip done; all terminal with a
// failure means fail; a second failure while siblings still run fails
// the parent early without cancelling them. Settlement recurses upward.
func (s *Scheduler) evaluateParent(parentID string) {
	parent, err := s.tasks.Get(parentID)
	if err != nil {
		log.Warn(log.CatSched, "reading parent failed", "parent", parentID, "error", err)
		return
	}
	if parent.Status != domain.TaskRunning {
		return
	}

	children, err := s.tasks.Children(parentID)
	if err != nil {
		log.Warn(log.CatSched, "listing children failed", "parent", parentID, "error", err)
		return
	}
	if len(children) == 0 {
		return
	}

	live, failed := 0, 0
	for _, child := range children {
		switch child.Status {
		case domain.TaskFailed:
			failed++
		case domain.TaskDone:
		default:
			live++
		}
	}

	switch {
	case live == 0 && failed > 0:
		s.failTask(*parent, "one or more subtasks failed")
	case live == 0:
		s.aggregate(parent, children)
	case failed >= 2:
		// Two failures while work is still in flight: give up on the
		// parent but let running siblings finish.
		s.failTask(*parent, "one or more subtasks failed")
	}
}

// aggregate composes the ordered child results and completes the
// parent. Children arrive in creation order; a result that does not
// parse as the wire contract is wrapped from its first line.
func (s *Scheduler) aggregate(parent *domain.Task, children []*domain.Task) {
	entries := make([]domain.AggregateEntry, 0, len(children))
	for _, child := range children {
		var result domain.TaskResult
		if parsed, err := domain.ParseTaskResult(child.Result); err == nil {
			result = *parsed
		} else {
			result = domain.WrapUnparsed(child.Result, unparsedLimit)
		}
		entries = append(entries, domain.AggregateEntry{
			Title:  child.Title,
			Result: result,
		})
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		s.failTask(*parent, fmt.Sprintf("aggregating results: %v", err))
		return
	}

	if err := s.tasks.SetResult(parent.ID, string(raw)); err != nil {
		log.Warn(log.CatSched, "recording aggregate failed", "parent", parent.ID, "error", err)
	}
	if err := s.tasks.Transition(parent.ID, domain.TaskDone); err != nil {
		log.Warn(log.CatSched, "completing parent rejected", "parent", parent.ID, "error", err)
		return
	}
	s.appendEvent(parent.ID, domain.EventTaskDone, string(raw))
	log.Info(log.CatSched, "parent aggregated",
		"worker", s.worker.Name, "parent", parent.ID, "children", len(children))

	if parent.ParentID != "" {
		s.evaluateParent(parent.ParentID)
	}
}
