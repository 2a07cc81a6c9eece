// Package scheduler drives one worker's task graph: decomposing the
// root request, promoting dependency-resolved tasks, launching agent
// sessions under capacity and budget caps, aggregating results up the
// tree, and answering control commands. The polling loop is single
// threaded; session callbacks are serialized back onto it through a
// channel, so task logic never runs on two threads at once.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/decompose"
	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/notify"
	"github.com/zjrosen/foreman/internal/skills"
	"github.com/zjrosen/foreman/internal/store"
	"github.com/zjrosen/foreman/internal/tracing"
)

// notifyBatchSize caps how many events one tick dispatches.
const notifyBatchSize = 10

// Config tunes one worker scheduler.
type Config struct {
	PollInterval         time.Duration
	MaxAgents            int
	MaxDepth             int
	MaxConsecutiveErrors int
	BudgetCapUSD         float64
	AllowedUsers         []string
}

// Scheduler owns one worker's task graph.
type Scheduler struct {
	cfg      Config
	worker   domain.Worker
	workers  *store.WorkerRepository
	tasks    *store.TaskRepository
	events   *store.EventRepository
	commands *store.CommandRepository
	pool     *agent.Pool
	driver   *decompose.Driver
	notifier *notify.Notifier
	lib      *skills.Library
	tracer   trace.Tracer

	// completions carries session settlements back onto the loop.
	completions chan completion
	// shutdown carries the reason a signal handler wants us gone.
	shutdown chan string

	paused            bool
	budgetNotified    bool
	consecutiveErrors int
}

// completion is one settled agent session.
type completion struct {
	task   domain.Task
	result string
	err    error
}

// New creates a scheduler for the worker.
func New(
	cfg Config,
	worker domain.Worker,
	db *store.DB,
	pool *agent.Pool,
	driver *decompose.Driver,
	notifier *notify.Notifier,
	lib *skills.Library,
	tp *tracing.Provider,
) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 5
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 3
	}
	return &Scheduler{
		cfg:         cfg,
		worker:      worker,
		workers:     db.WorkerRepository(),
		tasks:       db.TaskRepository(),
		events:      db.EventRepository(),
		commands:    db.CommandRepository(),
		pool:        pool,
		driver:      driver,
		notifier:    notifier,
		lib:         lib,
		tracer:      tp.Tracer(),
		completions: make(chan completion, 64),
		shutdown:    make(chan string, 1),
	}
}

// Shutdown asks the run loop to stop, failing running tasks with the
// given reason. Safe to call from a signal handler goroutine.
func (s *Scheduler) Shutdown(reason string) {
	select {
	case s.shutdown <- reason:
	default:
	}
}

// Run executes the polling loop until idle, killed, or fatally errored.
// A nil return means clean shutdown (exit 0); an error means the
// consecutive-error governor tripped (exit 1).
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.startup(); err != nil {
		return fmt.Errorf("scheduler startup: %w", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stop("daemon shutdown (context cancelled)")
			return nil
		case reason := <-s.shutdown:
			s.stop(reason)
			return nil
		case c := <-s.completions:
			s.settle(c)
		case <-ticker.C:
			idle, killed, err := s.tick(ctx)
			if err != nil {
				s.consecutiveErrors++
				log.Error(log.CatSched, "tick failed",
					"worker", s.worker.Name,
					"consecutive", s.consecutiveErrors, "error", err)
				if s.consecutiveErrors >= s.cfg.MaxConsecutiveErrors {
					s.fatal(err)
					return fmt.Errorf("%d consecutive tick errors: %w", s.consecutiveErrors, err)
				}
				continue
			}
			s.consecutiveErrors = 0
			if killed {
				return nil
			}
			if idle {
				s.goDormant()
				return nil
			}
		}
	}
}

// startup marks the worker active and fails leaf tasks left running by
// a previous process that died without a signal handler.
func (s *Scheduler) startup() error {
	if err := s.workers.UpdateStatus(s.worker.ID, domain.WorkerActive); err != nil {
		return err
	}

	running, err := s.tasks.ListByStatus(s.worker.ID, domain.TaskRunning)
	if err != nil {
		return err
	}
	for _, task := range running {
		hasChildren, err := s.tasks.HasChildren(task.ID)
		if err != nil {
			return err
		}
		if hasChildren {
			// A crash may have landed between the last child settling
			// and the parent aggregating; re-evaluate.
			s.evaluateParent(task.ID)
			continue
		}
		log.Warn(log.CatSched, "failing task stranded by a previous run",
			"worker", s.worker.Name, "task", task.ID)
		s.failTask(*task, "stale after worker restart")
	}
	return nil
}

// tick runs one scheduling pass. Returns (idle, killed, err).
func (s *Scheduler) tick(ctx context.Context) (bool, bool, error) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixScheduler+"tick", trace.WithAttributes(
		attribute.String(tracing.AttrWorkerID, s.worker.ID),
		attribute.String(tracing.AttrWorkerName, s.worker.Name),
	))
	defer span.End()

	if err := s.workers.Heartbeat(s.worker.ID); err != nil {
		return false, false, fmt.Errorf("heartbeat: %w", err)
	}

	killed, err := s.drainCommands(ctx)
	if err != nil {
		return false, false, err
	}
	if killed {
		return false, true, nil
	}

	s.drainCompletions()

	gated, err := s.gated(ctx)
	if err != nil {
		return false, false, err
	}
	if !gated {
		if err := s.decomposeRoots(ctx); err != nil {
			return false, false, err
		}
	}

	promoted, err := s.tasks.PromoteUnblocked(s.worker.ID)
	if err != nil {
		return false, false, fmt.Errorf("promoting blocked tasks: %w", err)
	}
	for _, task := range promoted {
		span.AddEvent(tracing.EventTaskPromoted, trace.WithAttributes(
			attribute.String(tracing.AttrTaskID, task.ID)))
		log.Info(log.CatSched, "task promoted", "worker", s.worker.Name, "task", task.ID)
	}

	if !gated {
		if err := s.spawnPending(ctx); err != nil {
			return false, false, err
		}
	}

	if err := s.dispatchNotifications(ctx); err != nil {
		return false, false, err
	}

	return s.idle()
}

// gated reports whether new-work spawning is suspended by pause or the
// budget cap. Budget exhaustion notifies once.
func (s *Scheduler) gated(ctx context.Context) (bool, error) {
	if s.paused {
		return true, nil
	}
	if s.cfg.BudgetCapUSD <= 0 {
		return false, nil
	}

	worker, err := s.workers.Get(s.worker.ID)
	if err != nil {
		return false, fmt.Errorf("reading worker cost: %w", err)
	}
	if worker.CostUSD < s.cfg.BudgetCapUSD {
		return false, nil
	}

	if !s.budgetNotified {
		s.budgetNotified = true
		log.Warn(log.CatSched, "budget cap reached",
			"worker", s.worker.Name, "cost", worker.CostUSD, "cap", s.cfg.BudgetCapUSD)
		s.notifier.BudgetExhausted(ctx, worker.CostUSD, s.cfg.BudgetCapUSD)
	}
	return true, nil
}

// decomposeRoots plans every pending root. Triggers can insert a fresh
// root while older trees are still settling, so all pending roots are
// considered, not just the first.
func (s *Scheduler) decomposeRoots(ctx context.Context) error {
	pending, err := s.tasks.ListByStatus(s.worker.ID, domain.TaskPending)
	if err != nil {
		return fmt.Errorf("listing pending tasks: %w", err)
	}
	for _, task := range pending {
		if !task.IsRoot() {
			continue
		}
		if err := s.decomposeRoot(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// decomposeRoot plans one pending root. Zero planned subtasks means the
// root runs as a single agent.
func (s *Scheduler) decomposeRoot(ctx context.Context, root *domain.Task) error {
	if err := s.tasks.Transition(root.ID, domain.TaskRunning); err != nil {
		return fmt.Errorf("starting root: %w", err)
	}
	root.Status = domain.TaskRunning

	manifest, err := s.lib.Discover()
	if err != nil {
		log.Warn(log.CatSched, "skill discovery failed", "error", err)
	}

	plan, err := s.driver.Decompose(ctx, s.worker, *root, manifest)
	if err != nil {
		userMsg := err.Error()
		var derr *decompose.Error
		if errors.As(err, &derr) {
			userMsg = derr.UserMessage
		}
		s.failTask(*root, userMsg)
		return nil
	}

	if len(plan.Subtasks) == 0 {
		log.Info(log.CatSched, "empty plan, running root as a single agent",
			"worker", s.worker.Name, "task", root.ID)
		s.launch(ctx, *root)
		return nil
	}

	return s.materializePlan(root, plan)
}

// materializePlan batch-creates the children and applies dependency
// edges once titles resolve to ids.
func (s *Scheduler) materializePlan(root *domain.Task, plan *decompose.Plan) error {
	children := make([]*domain.Task, len(plan.Subtasks))
	for i, st := range plan.Subtasks {
		children[i] = &domain.Task{
			WorkerID:     s.worker.ID,
			ParentID:     root.ID,
			Title:        st.Title,
			Prompt:       st.Prompt,
			ModelTier:    st.ModelTier,
			Skills:       st.Skills,
			CapabilityID: st.CapabilityID,
		}
	}

	ids, err := s.tasks.CreateBatch(children)
	if err != nil {
		return fmt.Errorf("creating plan tasks: %w", err)
	}

	idByTitle := make(map[string]string, len(ids))
	for i, st := range plan.Subtasks {
		idByTitle[st.Title] = ids[i]
	}

	var updates []store.DepUpdate
	for i, st := range plan.Subtasks {
		if len(st.Deps) == 0 {
			continue
		}
		deps := make([]string, 0, len(st.Deps))
		for _, title := range st.Deps {
			deps = append(deps, idByTitle[title])
		}
		updates = append(updates, store.DepUpdate{
			TaskID: ids[i],
			Deps:   deps,
			Status: domain.TaskBlocked,
		})
	}
	if len(updates) > 0 {
		if err := s.tasks.SetDependencies(updates); err != nil {
			return fmt.Errorf("applying plan dependencies: %w", err)
		}
	}

	log.Info(log.CatSched, "plan materialized",
		"worker", s.worker.Name, "children", len(ids), "edges", len(updates))
	return nil
}

// spawnPending launches agents for pending leaves up to capacity,
// enforcing the depth cap.
func (s *Scheduler) spawnPending(ctx context.Context) error {
	capacity := s.cfg.MaxAgents - s.pool.Active()
	if capacity <= 0 {
		return nil
	}

	pending, err := s.tasks.ListByStatus(s.worker.ID, domain.TaskPending)
	if err != nil {
		return fmt.Errorf("listing pending tasks: %w", err)
	}

	for _, task := range pending {
		if capacity <= 0 {
			return nil
		}
		hasChildren, err := s.tasks.HasChildren(task.ID)
		if err != nil {
			return err
		}
		if hasChildren {
			// Non-leaf tasks are aggregated, never executed.
			continue
		}
		if task.IsRoot() && task.Status == domain.TaskPending {
			// The root goes through decomposition, not direct spawn.
			continue
		}

		depth, err := s.tasks.Depth(task.ID)
		if err != nil {
			return err
		}
		if depth > s.cfg.MaxDepth {
			s.appendEvent(task.ID, domain.EventDepthLimitExceeded, task.Title)
			if err := s.tasks.Transition(task.ID, domain.TaskRunning); err == nil {
				s.failTask(*task, fmt.Sprintf("task depth %d exceeds the maximum of %d", depth, s.cfg.MaxDepth))
			}
			continue
		}

		s.launch(ctx, *task)
		capacity--
	}
	return nil
}

// launch transitions the task to running and spawns its session. The
// task may already be running (root single-agent path).
func (s *Scheduler) launch(ctx context.Context, task domain.Task) {
	if task.Status != domain.TaskRunning {
		if err := s.tasks.Transition(task.ID, domain.TaskRunning); err != nil {
			log.Warn(log.CatSched, "cannot start task", "task", task.ID, "error", err)
			return
		}
		task.Status = domain.TaskRunning
	}

	s.appendEvent(task.ID, domain.EventTaskStarted, task.Title)

	err := s.pool.Spawn(ctx, task, s.onComplete, s.onError)
	if err != nil {
		log.Error(log.CatSched, "spawn failed", "task", task.ID, "error", err)
		s.failTask(task, fmt.Sprintf("spawn failed: %v", err))
	}
}

// onComplete and onError run on pool monitor goroutines; they hand the
// settlement to the loop.
func (s *Scheduler) onComplete(task domain.Task, result string) {
	s.completions <- completion{task: task, result: result}
}

func (s *Scheduler) onError(task domain.Task, err error) {
	s.completions <- completion{task: task, err: err}
}

// drainCompletions settles everything queued without blocking.
func (s *Scheduler) drainCompletions() {
	for {
		select {
		case c := <-s.completions:
			s.settle(c)
		default:
			return
		}
	}
}

// dispatchNotifications claims unnotified user-visible events and hands
// them to the notifier.
func (s *Scheduler) dispatchNotifications(ctx context.Context) error {
	events, err := s.events.ClaimForNotification(s.worker.ID, notifyBatchSize)
	if err != nil {
		return fmt.Errorf("claiming events: %w", err)
	}
	if len(events) > 0 {
		s.notifier.Dispatch(ctx, events)
	}
	return nil
}

// idle reports whether there is nothing left to do: no live tasks, no
// running sessions, no unnotified events.
func (s *Scheduler) idle() (bool, bool, error) {
	if s.pool.Active() > 0 {
		return false, false, nil
	}
	live, err := s.tasks.CountLive(s.worker.ID)
	if err != nil {
		return false, false, fmt.Errorf("counting live tasks: %w", err)
	}
	if live > 0 {
		return false, false, nil
	}
	unnotified, err := s.events.CountUnnotified(s.worker.ID)
	if err != nil {
		return false, false, fmt.Errorf("counting unnotified events: %w", err)
	}
	return unnotified == 0, false, nil
}

// goDormant is the clean idle exit.
func (s *Scheduler) goDormant() {
	log.Info(log.CatSched, "idle, going dormant", "worker", s.worker.Name)
	if err := s.workers.UpdateStatus(s.worker.ID, domain.WorkerDormant); err != nil {
		log.Warn(log.CatSched, "marking worker dormant failed", "error", err)
	}
	if err := s.workers.ClearProcess(s.worker.ID); err != nil {
		log.Warn(log.CatSched, "clearing worker process failed", "error", err)
	}
}

// stop is the signal-driven exit: fail running leaves with the reason,
// drain the pool, release the worker record.
func (s *Scheduler) stop(reason string) {
	log.Info(log.CatSched, "stopping", "worker", s.worker.Name, "reason", reason)

	s.pool.KillAll()
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.pool.Drain(drainCtx); err != nil {
		log.Warn(log.CatSched, "pool drain timed out", "error", err)
	}

	running, err := s.tasks.ListByStatus(s.worker.ID, domain.TaskRunning)
	if err != nil {
		log.Warn(log.CatSched, "listing running tasks failed", "error", err)
	}
	for _, task := range running {
		hasChildren, err := s.tasks.HasChildren(task.ID)
		if err == nil && hasChildren {
			continue
		}
		s.failTask(*task, reason)
	}

	s.goDormant()
}

// fatal marks the worker errored after the governor trips.
func (s *Scheduler) fatal(err error) {
	log.Error(log.CatSched, "fatal, marking worker errored",
		"worker", s.worker.Name, "error", err)
	if uerr := s.workers.UpdateStatus(s.worker.ID, domain.WorkerError); uerr != nil {
		log.Warn(log.CatSched, "marking worker errored failed", "error", uerr)
	}
	if cerr := s.workers.ClearProcess(s.worker.ID); cerr != nil {
		log.Warn(log.CatSched, "clearing worker process failed", "error", cerr)
	}
}

// failTask records an error result and moves the task to failed.
func (s *Scheduler) failTask(task domain.Task, reason string) {
	result := domain.TaskResult{Status: domain.ResultError, Message: reason}
	raw, err := json.Marshal(result)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"status":"error","message":%q}`, reason))
	}
	if err := s.tasks.SetResult(task.ID, string(raw)); err != nil {
		log.Warn(log.CatSched, "recording failure result failed", "task", task.ID, "error", err)
	}
	if err := s.tasks.Transition(task.ID, domain.TaskFailed); err != nil {
		log.Warn(log.CatSched, "failing task rejected", "task", task.ID, "error", err)
		return
	}
	s.appendEvent(task.ID, domain.EventTaskFailed, reason)
	if task.ParentID != "" {
		s.evaluateParent(task.ParentID)
	}
}

func (s *Scheduler) appendEvent(taskID string, eventType domain.EventType, message string) {
	if _, err := s.events.Append(s.worker.ID, taskID, eventType, message); err != nil {
		log.Warn(log.CatSched, "appending event failed", "type", eventType, "error", err)
	}
}
