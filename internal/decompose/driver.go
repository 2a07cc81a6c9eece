// Package decompose turns a root request into a plan of subtasks by a
// single bounded call to the reasoning service, with JSON repair and a
// single-task fallback so planning never hard-fails on malformed
// output.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/skills"
	"github.com/zjrosen/foreman/internal/store"
	"github.com/zjrosen/foreman/internal/tracing"
)

// systemInstruction is the fixed decomposition contract.
const systemInstruction = `You are a planning assistant. Break the user's request into the smallest reasonable set of independent subtasks.

Respond with a single JSON array. Each element is an object:
{
  "title": "<short unique title>",
  "prompt": "<complete instructions for the subtask, self-contained>",
  "model_tier": "haiku" | "sonnet" | "opus",
  "skills": ["<skill name>", ...],
  "capability_id": "<optional capability id>",
  "deps": ["<title of a sibling this subtask depends on>", ...]
}

Rules:
- Titles must be unique; deps reference sibling titles only.
- Use "haiku" for mechanical work, "sonnet" by default, "opus" only for hard reasoning.
- Only reference skills from the provided manifest.
- If the request is a single unit of work, return a one-element array.
- Output nothing but the JSON array.`

// fixInstruction is the one-shot repair prompt used when the first
// response does not parse.
const fixInstruction = `Your previous response was not valid JSON. Reply with ONLY the corrected JSON array, no prose, no code fence.`

// rawHeadLimit is how much raw model output a run record keeps.
const rawHeadLimit = 1200

// Subtask is one planned unit of work, deps expressed by sibling title.
type Subtask struct {
	Title        string           `json:"title"`
	Prompt       string           `json:"prompt"`
	ModelTier    domain.ModelTier `json:"model_tier,omitempty"`
	Skills       []string         `json:"skills,omitempty"`
	CapabilityID string           `json:"capability_id,omitempty"`
	Deps         []string         `json:"deps,omitempty"`
}

// Plan is the outcome of one decomposition.
type Plan struct {
	Subtasks []Subtask
	// Fallback is set when parsing failed twice and the plan is the
	// single-task wrapper around the original request.
	Fallback bool
}

// Config tunes the driver.
type Config struct {
	// Timeout bounds the reasoning call.
	Timeout time.Duration
	// RetryTimeout bounds the fix-JSON retry. Defaults to a third of
	// Timeout.
	RetryTimeout time.Duration
	// MaxTurns caps agentic turns within the call.
	MaxTurns int
	// Model is the reasoning model used for planning.
	Model domain.ModelTier
	// WorkDir is where the planning session runs.
	WorkDir string
}

// Driver runs decomposition calls and persists their run records.
type Driver struct {
	client agent.Client
	lib    *skills.Library
	runs   *store.RunRepository
	cfg    Config
	tracer trace.Tracer
}

// NewDriver creates a decomposition driver.
func NewDriver(client agent.Client, lib *skills.Library, db *store.DB, tp *tracing.Provider, cfg Config) *Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = cfg.Timeout / 3
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 3
	}
	if cfg.Model == "" {
		cfg.Model = domain.TierDeep
	}
	return &Driver{
		client: client,
		lib:    lib,
		runs:   db.RunRepository(),
		cfg:    cfg,
		tracer: tp.Tracer(),
	}
}

// Decompose plans the root task. On reasoning failure it returns a
// typed *Error; parse failures degrade to the single-task fallback and
// never surface as errors.
func (d *Driver) Decompose(ctx context.Context, worker domain.Worker, root domain.Task, manifest []domain.SkillRef) (*Plan, error) {
	ctx, span := d.tracer.Start(ctx, tracing.SpanPrefixDecompose+"run", trace.WithAttributes(
		attribute.String(tracing.AttrWorkerID, worker.ID),
		attribute.String(tracing.AttrTaskID, root.ID),
		attribute.String(tracing.AttrModelTier, string(d.cfg.Model)),
	))
	defer span.End()

	started := time.Now()
	prompt := buildPrompt(manifest, root.Prompt)

	run := &domain.Run{
		WorkerID:     worker.ID,
		TaskID:       root.ID,
		StartedAt:    started,
		Model:        string(d.cfg.Model),
		Timeout:      d.cfg.Timeout,
		RequestChars: len(systemInstruction) + len(prompt),
		PromptChars:  len(root.Prompt),
	}

	raw, err := d.callOnce(ctx, systemInstruction, prompt, d.cfg.Timeout)
	if err != nil {
		derr := classify(err, time.Since(started))
		run.ErrorCode = string(derr.Code)
		d.finishRun(run, raw, 0)
		span.AddEvent(tracing.EventErrorOccurred)
		log.Error(log.CatDecompose, "decomposition call failed",
			"worker", worker.Name, "code", derr.Code, "error", derr.Technical)
		return nil, derr
	}
	run.ResultChars = len(raw)

	subtasks, parseErr := parsePlan(raw)
	attempts := 1
	fallback := false

	if parseErr != nil {
		attempts = 2
		log.Warn(log.CatDecompose, "plan did not parse, asking for a fix",
			"worker", worker.Name, "error", parseErr)
		span.AddEvent(tracing.EventDecomposeRetried)

		fixed, fixErr := d.callOnce(ctx, systemInstruction, fixPrompt(raw), d.cfg.RetryTimeout)
		if fixErr == nil {
			raw = fixed
			run.ResultChars = len(raw)
			subtasks, parseErr = parsePlan(raw)
		} else {
			parseErr = fixErr
		}
		if parseErr != nil {
			fallback = true
			subtasks = []Subtask{{Title: root.Title, Prompt: root.Prompt}}
			log.Warn(log.CatDecompose, "fix retry failed, using single-task fallback",
				"worker", worker.Name, "error", parseErr)
		}
	}

	subtasks = d.normalize(subtasks)
	if dependencyCycle(subtasks) {
		// Mutually blocked siblings would wedge the graph until a kill;
		// a plan like that is no plan at all.
		fallback = true
		subtasks = d.normalize([]Subtask{{Title: root.Title, Prompt: root.Prompt}})
		log.Warn(log.CatDecompose, "plan dependencies form a cycle, using single-task fallback",
			"worker", worker.Name)
	}
	plan := &Plan{Subtasks: subtasks, Fallback: fallback}

	run.Fallback = fallback
	d.finishRun(run, raw, attempts)

	span.SetAttributes(
		attribute.Int(tracing.AttrDecomposeSubtasks, len(subtasks)),
		attribute.Int(tracing.AttrDecomposeAttempts, attempts),
		attribute.Bool(tracing.AttrDecomposeFallback, fallback),
	)
	log.Info(log.CatDecompose, "decomposition complete",
		"worker", worker.Name, "subtasks", len(subtasks),
		"attempts", attempts, "fallback", fallback,
		"elapsed", time.Since(started).Round(time.Millisecond))
	return plan, nil
}

// callOnce runs one bounded reasoning call and returns the final result
// payload.
func (d *Driver) callOnce(ctx context.Context, system, prompt string, timeout time.Duration) (string, error) {
	proc, err := d.client.Spawn(ctx, agent.Config{
		WorkDir:      d.cfg.WorkDir,
		Prompt:       prompt,
		SystemPrompt: system,
		Model:        string(d.cfg.Model),
		Timeout:      timeout,
		MaxTurns:     d.cfg.MaxTurns,
	})
	if err != nil {
		return "", fmt.Errorf("spawning planning session: %w", err)
	}

	var result string
	var isError bool
	sawResult := false
	for event := range proc.Events() {
		if event.IsResult() {
			sawResult = true
			result = event.Result
			isError = event.IsErrorResult
		}
	}

	var procErr error
	for e := range proc.Errors() {
		if procErr == nil {
			procErr = e
		}
	}
	_ = proc.Wait()

	switch {
	case procErr != nil:
		return result, procErr
	case isError:
		return result, fmt.Errorf("reasoning service error: %s", result)
	case !sawResult:
		return "", fmt.Errorf("planning session ended without a result")
	}
	return result, nil
}

func (d *Driver) finishRun(run *domain.Run, raw string, attempts int) {
	ended := time.Now()
	run.EndedAt = &ended
	run.Elapsed = ended.Sub(run.StartedAt)
	run.ParseAttempts = attempts
	run.RawHead = domain.Truncate(raw, rawHeadLimit)
	if err := d.runs.Record(run); err != nil {
		log.Warn(log.CatDecompose, "recording run failed", "error", err)
	}
}

// normalize defaults tiers, drops deps that name no sibling, and
// inlines skill instructions into subtask prompts.
func (d *Driver) normalize(subtasks []Subtask) []Subtask {
	titles := make(map[string]bool, len(subtasks))
	for _, st := range subtasks {
		titles[st.Title] = true
	}

	out := make([]Subtask, 0, len(subtasks))
	for _, st := range subtasks {
		if st.Title == "" || st.Prompt == "" {
			log.Warn(log.CatDecompose, "dropping subtask without title or prompt")
			continue
		}
		if !st.ModelTier.IsValid() {
			st.ModelTier = domain.TierStandard
		}
		var deps []string
		for _, dep := range st.Deps {
			if dep == st.Title {
				continue
			}
			if !titles[dep] {
				log.Warn(log.CatDecompose, "dropping dep on unknown sibling",
					"subtask", st.Title, "dep", dep)
				continue
			}
			deps = append(deps, dep)
		}
		st.Deps = deps
		if len(st.Skills) > 0 {
			st.Prompt += d.lib.InlineInstructions(st.Skills)
		}
		out = append(out, st)
	}
	return out
}

// dependencyCycle reports whether the sibling dependency graph fails to
// settle under Kahn's algorithm, i.e. contains a cycle no completion
// could ever unblock.
func dependencyCycle(subtasks []Subtask) bool {
	indegree := make(map[string]int, len(subtasks))
	dependents := make(map[string][]string)
	for _, st := range subtasks {
		indegree[st.Title] += 0
		for _, dep := range st.Deps {
			indegree[st.Title]++
			dependents[dep] = append(dependents[dep], st.Title)
		}
	}

	queue := make([]string, 0, len(indegree))
	for title, n := range indegree {
		if n == 0 {
			queue = append(queue, title)
		}
	}
	settled := 0
	for len(queue) > 0 {
		title := queue[0]
		queue = queue[1:]
		settled++
		for _, next := range dependents[title] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return settled < len(indegree)
}

// parsePlan runs the three-step extraction and accepts either a bare
// array or an object wrapping one under "subtasks".
func parsePlan(raw string) ([]Subtask, error) {
	extracted, err := domain.ExtractJSON(raw)
	if err != nil {
		return nil, err
	}

	var subtasks []Subtask
	if err := json.Unmarshal([]byte(extracted), &subtasks); err == nil {
		return subtasks, nil
	}

	var wrapped struct {
		Subtasks []Subtask `json:"subtasks"`
	}
	if err := json.Unmarshal([]byte(extracted), &wrapped); err == nil && wrapped.Subtasks != nil {
		return wrapped.Subtasks, nil
	}
	return nil, fmt.Errorf("extracted JSON is not a subtask array")
}

func buildPrompt(manifest []domain.SkillRef, request string) string {
	var b strings.Builder
	b.WriteString("Available skills:\n")
	if len(manifest) == 0 {
		b.WriteString("(none)\n")
	}
	for _, ref := range manifest {
		fmt.Fprintf(&b, "- %s: %s\n", ref.Name, ref.Description)
	}
	b.WriteString("\nRequest:\n")
	b.WriteString(request)
	return b.String()
}

func fixPrompt(raw string) string {
	return fixInstruction + "\n\nPrevious response:\n" + raw
}
