package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/store"
)

// responseContract is prefixed to every task prompt so the session's
// final message parses as a TaskResult.
const responseContract = `You are completing one task in a larger plan. When you are finished, your final message must be a single JSON object of the form:

{"status": "success" | "error", "message": "<short summary of what happened>", "data": {<optional structured payload>}}

Report honest status: "error" when you could not do what the task asked. Do not wrap the object in prose or a code fence.`

// ErrAgentLoop is reported when a session repeats the same tool enough
// times in a row to be considered stuck.
var ErrAgentLoop = fmt.Errorf("agent tool loop detected")

// ErrSessionExists is returned when a task already has a live session.
var ErrSessionExists = fmt.Errorf("task already has a session")

// CompleteFunc receives the final result payload of a session.
type CompleteFunc func(task domain.Task, result string)

// ErrorFunc receives a session failure (timeout, spawn, loop, error
// result).
type ErrorFunc func(task domain.Task, err error)

// PoolConfig tunes the session pool.
type PoolConfig struct {
	// WorkDir is the worker's workspace directory.
	WorkDir string
	// Timeout bounds each session.
	Timeout time.Duration
	// LoopWindow is how many identical consecutive tool calls count as
	// a loop.
	LoopWindow int
	// Env holds extra environment for spawned session processes.
	Env map[string]string
}

// Pool owns the in-flight agent sessions of one worker, at most one per
// task. It turns session output into store updates and coordination
// events, and reports settlement through per-spawn callbacks.
type Pool struct {
	client  Client
	cfg     PoolConfig
	worker  domain.Worker
	tasks   *store.TaskRepository
	workers *store.WorkerRepository
	events  *store.EventRepository

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// session tracks one live agent process and its hook state.
type session struct {
	task domain.Task
	proc Process

	recentTools []string
	questions   map[string]bool
	loopTripped bool
	suppressed  bool

	result   string
	isError  bool
	finalErr error
}

// NewPool creates a session pool for one worker.
func NewPool(client Client, cfg PoolConfig, worker domain.Worker, db *store.DB) *Pool {
	if cfg.LoopWindow <= 0 {
		cfg.LoopWindow = 5
	}
	return &Pool{
		client:   client,
		cfg:      cfg,
		worker:   worker,
		tasks:    db.TaskRepository(),
		workers:  db.WorkerRepository(),
		events:   db.EventRepository(),
		sessions: make(map[string]*session),
	}
}

// Active returns the number of live sessions.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Has reports whether the task has a live session.
func (p *Pool) Has(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[taskID]
	return ok
}

// Spawn launches a new session for the task. The prompt is the task's
// prompt prefixed with the response-schema contract.
func (p *Pool) Spawn(ctx context.Context, task domain.Task, onComplete CompleteFunc, onError ErrorFunc) error {
	prompt := responseContract + "\n\n" + task.Prompt
	return p.launch(ctx, task, Config{
		WorkDir: p.cfg.WorkDir,
		Prompt:  prompt,
		Model:   string(task.ModelTier),
		Timeout: p.cfg.Timeout,
		Env:     p.cfg.Env,
	}, onComplete, onError)
}

// Resume continues the task's existing session with the user's text as
// the next turn.
func (p *Pool) Resume(ctx context.Context, task domain.Task, userText string, onComplete CompleteFunc, onError ErrorFunc) error {
	if task.SessionRef == "" {
		return fmt.Errorf("task %s has no session to resume", task.ID)
	}
	return p.launch(ctx, task, Config{
		WorkDir:    p.cfg.WorkDir,
		Prompt:     userText,
		SessionRef: task.SessionRef,
		Model:      string(task.ModelTier),
		Timeout:    p.cfg.Timeout,
		Env:        p.cfg.Env,
	}, onComplete, onError)
}

// launch holds the pool lock across the membership check, the spawn,
// and the insert so two callers cannot both launch the same task.
func (p *Pool) launch(ctx context.Context, task domain.Task, cfg Config, onComplete CompleteFunc, onError ErrorFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sessions[task.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, task.ID)
	}

	proc, err := p.client.Spawn(ctx, cfg)
	if err != nil {
		return fmt.Errorf("spawning session: %w", err)
	}

	sess := &session{
		task:      task,
		proc:      proc,
		questions: make(map[string]bool),
	}
	p.sessions[task.ID] = sess

	log.Info(log.CatPool, "session launched",
		"task", task.ID, "model", task.ModelTier, "resume", cfg.SessionRef != "")

	p.wg.Add(1)
	go p.monitor(sess, onComplete, onError)
	return nil
}

// Kill aborts the task's session without invoking callbacks. The caller
// settles the task itself.
func (p *Pool) Kill(taskID string) {
	p.mu.Lock()
	sess, ok := p.sessions[taskID]
	if ok {
		sess.suppressed = true
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	_ = sess.proc.Cancel()
}

// KillAll aborts every session without invoking callbacks.
func (p *Pool) KillAll() {
	p.mu.Lock()
	procs := make([]*session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		sess.suppressed = true
		procs = append(procs, sess)
	}
	p.mu.Unlock()
	for _, sess := range procs {
		_ = sess.proc.Cancel()
	}
}

// Drain waits for every session monitor to settle or the context to
// expire.
func (p *Pool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// monitor consumes one session's event stream until settlement, then
// invokes the spawn callbacks.
func (p *Pool) monitor(sess *session, onComplete CompleteFunc, onError ErrorFunc) {
	defer p.wg.Done()

	sawResult := false
	for event := range sess.proc.Events() {
		switch {
		case event.IsInit():
			if ref := sess.proc.SessionRef(); ref != "" {
				if err := p.tasks.SetSessionRef(sess.task.ID, ref); err != nil {
					log.Warn(log.CatPool, "recording session ref failed",
						"task", sess.task.ID, "error", err)
				}
			}
		case event.Type == EventAssistant:
			for _, block := range event.Message.ToolUses() {
				p.onToolUse(sess, block)
			}
		case event.IsResult():
			sawResult = true
			sess.result = event.Result
			sess.isError = event.IsErrorResult
			if event.TotalCostUSD > 0 {
				if err := p.workers.AddCost(p.worker.ID, event.TotalCostUSD); err != nil {
					log.Warn(log.CatPool, "recording session cost failed",
						"worker", p.worker.ID, "error", err)
				}
			}
		}
	}

	for err := range sess.proc.Errors() {
		if sess.finalErr == nil {
			sess.finalErr = err
		}
	}
	_ = sess.proc.Wait()

	p.mu.Lock()
	delete(p.sessions, sess.task.ID)
	suppressed := sess.suppressed
	p.mu.Unlock()

	p.appendEvent(sess.task.ID, domain.EventAgentStop, stopReason(sess, suppressed, sawResult))

	if suppressed {
		log.Debug(log.CatPool, "session killed, callbacks suppressed", "task", sess.task.ID)
		return
	}

	switch {
	case sess.loopTripped:
		onError(sess.task, ErrAgentLoop)
	case sess.finalErr != nil:
		onError(sess.task, sess.finalErr)
	case sess.isError:
		onError(sess.task, fmt.Errorf("agent reported failure: %s", firstLine(sess.result)))
	case !sawResult:
		onError(sess.task, fmt.Errorf("session ended without a result"))
	default:
		onComplete(sess.task, sess.result)
	}
}

func stopReason(sess *session, suppressed, sawResult bool) string {
	switch {
	case suppressed:
		return "killed"
	case sess.loopTripped:
		return "tool loop"
	case sess.finalErr != nil:
		return firstLine(sess.finalErr.Error())
	case sess.isError:
		return "error result"
	case !sawResult:
		return "no result"
	default:
		return "completed"
	}
}

// editTools are the tool names that mutate workspace files.
var editTools = map[string]bool{
	"Edit":  true,
	"Write": true,
}

// askTools are the tool names that put a question to the user.
var askTools = map[string]bool{
	"AskUserQuestion": true,
	"ask_user":        true,
}

// onToolUse runs the per-tool hooks: loop detection, file-change
// events, and question deduplication.
func (p *Pool) onToolUse(sess *session, block ContentBlock) {
	sess.recentTools = append(sess.recentTools, block.Name)
	if len(sess.recentTools) > p.cfg.LoopWindow {
		sess.recentTools = sess.recentTools[1:]
	}
	if !sess.loopTripped && len(sess.recentTools) == p.cfg.LoopWindow && allSame(sess.recentTools) {
		sess.loopTripped = true
		log.Warn(log.CatPool, "tool loop detected", "task", sess.task.ID, "tool", block.Name)
		p.appendEvent(sess.task.ID, domain.EventLoopDetected,
			fmt.Sprintf("tool %s repeated %d times", block.Name, p.cfg.LoopWindow))
		_ = sess.proc.Cancel()
		return
	}

	switch {
	case editTools[block.Name]:
		var input struct {
			FilePath string `json:"file_path"`
		}
		if err := json.Unmarshal(block.Input, &input); err == nil && input.FilePath != "" {
			p.appendEvent(sess.task.ID, domain.EventFileChanged, input.FilePath)
		}
	case askTools[block.Name]:
		p.onQuestion(sess, block)
	}
}

// onQuestion records the question hash and emits needs_input for new
// questions, duplicate_question for repeats within the same task.
func (p *Pool) onQuestion(sess *session, block ContentBlock) {
	var input struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(block.Input, &input); err != nil || input.Question == "" {
		return
	}

	key := QuestionKey(input.Question)
	if sess.questions[key] {
		p.appendEvent(sess.task.ID, domain.EventDuplicateQuestion, input.Question)
		return
	}
	sess.questions[key] = true
	p.appendEvent(sess.task.ID, domain.EventNeedsInput, input.Question)
}

func (p *Pool) appendEvent(taskID string, eventType domain.EventType, message string) {
	if _, err := p.events.Append(p.worker.ID, taskID, eventType, message); err != nil {
		log.Warn(log.CatPool, "appending event failed",
			"type", eventType, "task", taskID, "error", err)
	}
}

// QuestionKey is the 16-hex prefix of the question's SHA-256, used to
// deduplicate repeated questions.
func QuestionKey(question string) string {
	sum := sha256.Sum256([]byte(question))
	return hex.EncodeToString(sum[:])[:16]
}

func allSame(names []string) bool {
	for _, n := range names[1:] {
		if n != names[0] {
			return false
		}
	}
	return true
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
