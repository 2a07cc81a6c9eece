package decompose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/config"
	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/skills"
	"github.com/zjrosen/foreman/internal/store"
	"github.com/zjrosen/foreman/internal/testutil"
	"github.com/zjrosen/foreman/internal/tracing"
)

const validPlan = `[
  {"title": "Fetch data", "prompt": "Download the dataset", "model_tier": "haiku"},
  {"title": "Analyze", "prompt": "Analyze the dataset", "deps": ["Fetch data"]}
]`

func newTestDriver(t *testing.T, responder agent.MockResponder) (*Driver, *store.DB, string) {
	t.Helper()
	db := testutil.NewTestDB(t)
	skillsDir := t.TempDir()
	tp, err := tracing.NewProvider(config.TracingConfig{})
	require.NoError(t, err)

	driver := NewDriver(agent.NewMockClient(responder), skills.NewLibrary(skillsDir), db, tp, Config{
		Timeout:  5 * time.Second,
		MaxTurns: 3,
		WorkDir:  t.TempDir(),
	})
	return driver, db, skillsDir
}

func rootFixture(t *testing.T, db *store.DB) (domain.Worker, domain.Task) {
	t.Helper()
	worker := testutil.NewTestWorker(t, db, "alpha")
	task := testutil.NewTestTask(t, db, worker.ID, "", "Analyze repo", nil)
	return *worker, *task
}

func TestDecompose_ParsesPlan(t *testing.T) {
	driver, db, _ := newTestDriver(t, func(agent.Config) []agent.OutputEvent {
		return []agent.OutputEvent{agent.MockResult(validPlan, 0.5)}
	})
	worker, root := rootFixture(t, db)

	plan, err := driver.Decompose(context.Background(), worker, root, nil)
	require.NoError(t, err)
	require.False(t, plan.Fallback)
	require.Len(t, plan.Subtasks, 2)

	require.Equal(t, "Fetch data", plan.Subtasks[0].Title)
	require.Equal(t, domain.TierLight, plan.Subtasks[0].ModelTier)
	require.Equal(t, domain.TierStandard, plan.Subtasks[1].ModelTier, "missing tier defaults to standard")
	require.Equal(t, []string{"Fetch data"}, plan.Subtasks[1].Deps)

	runs, err := db.RunRepository().ListForWorker(worker.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, 1, runs[0].ParseAttempts)
	require.False(t, runs[0].Fallback)
	require.Empty(t, runs[0].ErrorCode)
	require.Contains(t, runs[0].RawHead, "Fetch data")
}

func TestDecompose_FencedOutput(t *testing.T) {
	driver, db, _ := newTestDriver(t, func(agent.Config) []agent.OutputEvent {
		raw := "Here is the plan:\n```json\n" + validPlan + "\n```\nGood luck."
		return []agent.OutputEvent{agent.MockResult(raw, 0.1)}
	})
	worker, root := rootFixture(t, db)

	plan, err := driver.Decompose(context.Background(), worker, root, nil)
	require.NoError(t, err)
	require.Len(t, plan.Subtasks, 2)
}

func TestDecompose_WrappedObject(t *testing.T) {
	driver, db, _ := newTestDriver(t, func(agent.Config) []agent.OutputEvent {
		raw := `{"subtasks": ` + validPlan + `}`
		return []agent.OutputEvent{agent.MockResult(raw, 0.1)}
	})
	worker, root := rootFixture(t, db)

	plan, err := driver.Decompose(context.Background(), worker, root, nil)
	require.NoError(t, err)
	require.Len(t, plan.Subtasks, 2)
}

func TestDecompose_FixRetry(t *testing.T) {
	var calls atomic.Int64
	mock := agent.NewMockClient(func(cfg agent.Config) []agent.OutputEvent {
		if calls.Add(1) == 1 {
			return []agent.OutputEvent{agent.MockResult("not json at all", 0.1)}
		}
		return []agent.OutputEvent{agent.MockResult(validPlan, 0.1)}
	})
	db := testutil.NewTestDB(t)
	tp, err := tracing.NewProvider(config.TracingConfig{})
	require.NoError(t, err)
	driver := NewDriver(mock, skills.NewLibrary(t.TempDir()), db, tp, Config{Timeout: 5 * time.Second})
	worker, root := rootFixture(t, db)

	plan, err := driver.Decompose(context.Background(), worker, root, nil)
	require.NoError(t, err)
	require.False(t, plan.Fallback)
	require.Len(t, plan.Subtasks, 2)

	spawns := mock.Spawns()
	require.Len(t, spawns, 2)
	require.Contains(t, spawns[1].Prompt, "not valid JSON", "the retry uses the fix prompt")
	require.Contains(t, spawns[1].Prompt, "not json at all", "the retry includes the bad output")
	require.Less(t, spawns[1].Timeout, spawns[0].Timeout, "the retry runs on a tighter budget")

	runs, err := db.RunRepository().ListForWorker(worker.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, 2, runs[0].ParseAttempts)
}

func TestDecompose_FallbackAfterTwoFailures(t *testing.T) {
	driver, db, _ := newTestDriver(t, func(agent.Config) []agent.OutputEvent {
		return []agent.OutputEvent{agent.MockResult("still not json", 0.1)}
	})
	worker, root := rootFixture(t, db)

	plan, err := driver.Decompose(context.Background(), worker, root, nil)
	require.NoError(t, err, "parse failure never propagates as a hard failure")
	require.True(t, plan.Fallback)
	require.Len(t, plan.Subtasks, 1)
	require.Equal(t, root.Title, plan.Subtasks[0].Title)
	require.Equal(t, root.Prompt, plan.Subtasks[0].Prompt, "fallback runs the original request")

	runs, err := db.RunRepository().ListForWorker(worker.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.True(t, runs[0].Fallback)
}

func TestDecompose_ProviderError(t *testing.T) {
	driver, db, _ := newTestDriver(t, func(agent.Config) []agent.OutputEvent {
		return []agent.OutputEvent{agent.MockErrorResult("429 rate limit exceeded", 0)}
	})
	worker, root := rootFixture(t, db)

	_, err := driver.Decompose(context.Background(), worker, root, nil)
	require.Error(t, err)

	var derr *Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, CodeProvider, derr.Code)
	require.NotEmpty(t, derr.UserMessage)
	require.Contains(t, derr.Technical, "429")

	runs, listErr := db.RunRepository().ListForWorker(worker.ID, 10)
	require.NoError(t, listErr)
	require.Len(t, runs, 1)
	require.Equal(t, "provider", runs[0].ErrorCode)
}

func TestDecompose_PromptCarriesManifest(t *testing.T) {
	mock := agent.NewMockClient(func(agent.Config) []agent.OutputEvent {
		return []agent.OutputEvent{agent.MockResult(validPlan, 0)}
	})
	db := testutil.NewTestDB(t)
	tp, err := tracing.NewProvider(config.TracingConfig{})
	require.NoError(t, err)
	driver := NewDriver(mock, skills.NewLibrary(t.TempDir()), db, tp, Config{Timeout: time.Second})
	worker, root := rootFixture(t, db)

	manifest := []domain.SkillRef{{Name: "code-review", Description: "Review diffs"}}
	_, err = driver.Decompose(context.Background(), worker, root, manifest)
	require.NoError(t, err)

	spawns := mock.Spawns()
	require.Len(t, spawns, 1)
	require.Contains(t, spawns[0].Prompt, "code-review: Review diffs")
	require.Contains(t, spawns[0].Prompt, root.Prompt)
	require.Contains(t, spawns[0].SystemPrompt, `"title"`, "system prompt carries the contract")
	require.Equal(t, "opus", spawns[0].Model, "planning defaults to the deep tier")
}

func TestDecompose_InlinesSkills(t *testing.T) {
	driver, db, skillsDir := newTestDriver(t, func(agent.Config) []agent.OutputEvent {
		raw := `[{"title": "Review", "prompt": "Review the change", "skills": ["code-review"]}]`
		return []agent.OutputEvent{agent.MockResult(raw, 0)}
	})
	skillFile := "---\nname: code-review\ndescription: Review diffs\n---\n\nFlag logic errors first.\n"
	require.NoError(t, os.WriteFile(filepath.Join(skillsDir, "review.md"), []byte(skillFile), 0o644))
	worker, root := rootFixture(t, db)

	plan, err := driver.Decompose(context.Background(), worker, root, nil)
	require.NoError(t, err)
	require.Len(t, plan.Subtasks, 1)
	require.Contains(t, plan.Subtasks[0].Prompt, "## Skill Instructions")
	require.Contains(t, plan.Subtasks[0].Prompt, "Flag logic errors first")
}

func TestDecompose_DropsBadDepsAndEmptySubtasks(t *testing.T) {
	driver, db, _ := newTestDriver(t, func(agent.Config) []agent.OutputEvent {
		raw := `[
		  {"title": "A", "prompt": "do a", "deps": ["A", "Ghost"]},
		  {"title": "", "prompt": "orphan"},
		  {"title": "B", "prompt": "do b", "deps": ["A"]}
		]`
		return []agent.OutputEvent{agent.MockResult(raw, 0)}
	})
	worker, root := rootFixture(t, db)

	plan, err := driver.Decompose(context.Background(), worker, root, nil)
	require.NoError(t, err)
	require.Len(t, plan.Subtasks, 2, "the titleless subtask is dropped")
	require.Empty(t, plan.Subtasks[0].Deps, "self-deps and unknown deps are dropped")
	require.Equal(t, []string{"A"}, plan.Subtasks[1].Deps)
}

func TestDecompose_CyclicDepsFallBackToSingleTask(t *testing.T) {
	driver, db, _ := newTestDriver(t, func(agent.Config) []agent.OutputEvent {
		raw := `[
		  {"title": "A", "prompt": "do a", "deps": ["B"]},
		  {"title": "B", "prompt": "do b", "deps": ["A"]},
		  {"title": "C", "prompt": "do c"}
		]`
		return []agent.OutputEvent{agent.MockResult(raw, 0)}
	})
	worker, root := rootFixture(t, db)

	plan, err := driver.Decompose(context.Background(), worker, root, nil)
	require.NoError(t, err, "a cyclic plan degrades, it does not hard-fail")
	require.True(t, plan.Fallback)
	require.Len(t, plan.Subtasks, 1, "mutually blocked siblings would never unblock")
	require.Equal(t, root.Title, plan.Subtasks[0].Title)
	require.Equal(t, root.Prompt, plan.Subtasks[0].Prompt)
}

func TestDependencyCycle(t *testing.T) {
	acyclic := []Subtask{
		{Title: "A", Prompt: "a"},
		{Title: "B", Prompt: "b", Deps: []string{"A"}},
		{Title: "C", Prompt: "c", Deps: []string{"A", "B"}},
	}
	require.False(t, dependencyCycle(acyclic))
	require.False(t, dependencyCycle(nil))

	twoCycle := []Subtask{
		{Title: "A", Prompt: "a", Deps: []string{"B"}},
		{Title: "B", Prompt: "b", Deps: []string{"A"}},
	}
	require.True(t, dependencyCycle(twoCycle))

	longCycle := []Subtask{
		{Title: "A", Prompt: "a", Deps: []string{"C"}},
		{Title: "B", Prompt: "b", Deps: []string{"A"}},
		{Title: "C", Prompt: "c", Deps: []string{"B"}},
		{Title: "D", Prompt: "d"},
	}
	require.True(t, dependencyCycle(longCycle))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"timeout", agent.ErrTimeout, CodeTimeout},
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"aborted", context.Canceled, CodeAborted},
		{"rate limit", fmt.Errorf("HTTP 429: rate limit"), CodeProvider},
		{"overloaded", fmt.Errorf("upstream overloaded"), CodeProvider},
		{"other", fmt.Errorf("weird failure"), CodeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			derr := classify(tc.err, time.Second)
			require.Equal(t, tc.want, derr.Code)
			require.NotEmpty(t, derr.UserMessage)
			require.Equal(t, time.Second, derr.Elapsed)
		})
	}
}
