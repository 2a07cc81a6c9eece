package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/foreman/internal/config"
	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/skills"
	"github.com/zjrosen/foreman/internal/store"
	"github.com/zjrosen/foreman/internal/testutil"
	"github.com/zjrosen/foreman/internal/tracing"
)

type fakeSpawner struct {
	mu      sync.Mutex
	spawned []string
	pid     int
	session string
	err     error
}

func (f *fakeSpawner) Spawn(_ context.Context, worker *domain.Worker) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, worker.Name)
	if f.err != nil {
		return 0, "", f.err
	}
	return f.pid, f.session, nil
}

func (f *fakeSpawner) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.spawned))
	copy(out, f.spawned)
	return out
}

func newTestSupervisor(t *testing.T, cfg Config, spawner Spawner, skillsDir string) (*Supervisor, *store.DB) {
	t.Helper()
	db := testutil.NewTestDB(t)
	tp, err := tracing.NewProvider(config.TracingConfig{})
	require.NoError(t, err)
	if skillsDir == "" {
		skillsDir = t.TempDir()
	}
	s := New(cfg, db, spawner, skills.NewLibrary(skillsDir), tp)
	s.alive = func(int) bool { return false }
	s.sessionAlive = func(string) bool { return false }
	return s, db
}

func TestSweep_SpawnsDormantWorkerWithWork(t *testing.T) {
	spawner := &fakeSpawner{pid: 4242}
	s, db := newTestSupervisor(t, Config{}, spawner, "")
	s.alive = func(pid int) bool { return pid == 4242 }

	worker := testutil.NewTestWorker(t, db, "builder")
	testutil.NewTestTask(t, db, worker.ID, "", "pending work", nil)

	require.NoError(t, s.scan(context.Background()))
	require.Equal(t, []string{"builder"}, spawner.calls())

	got, err := db.WorkerRepository().Get(worker.ID)
	require.NoError(t, err)
	require.Equal(t, 4242, got.PID, "spawned pid is recorded")

	require.NoError(t, s.scan(context.Background()))
	require.Len(t, spawner.calls(), 1, "a tracked child is not respawned")
}

func TestSweep_IgnoresWorkersWithoutLiveWork(t *testing.T) {
	spawner := &fakeSpawner{pid: 4242}
	s, db := newTestSupervisor(t, Config{}, spawner, "")

	worker := testutil.NewTestWorker(t, db, "idle")
	task := testutil.NewTestTask(t, db, worker.ID, "", "finished", nil)
	tasks := db.TaskRepository()
	require.NoError(t, tasks.Transition(task.ID, domain.TaskRunning))
	require.NoError(t, tasks.Transition(task.ID, domain.TaskDone))

	require.NoError(t, s.scan(context.Background()))
	require.Empty(t, spawner.calls())
}

func TestReconcile_RespawnsStaleDeadWorker(t *testing.T) {
	spawner := &fakeSpawner{pid: 4242}
	s, db := newTestSupervisor(t, Config{Staleness: time.Nanosecond}, spawner, "")

	worker := testutil.NewTestWorker(t, db, "builder")
	workers := db.WorkerRepository()
	require.NoError(t, workers.UpdateStatus(worker.ID, domain.WorkerActive))
	require.NoError(t, workers.SetProcess(worker.ID, 999999, ""))
	time.Sleep(2 * time.Millisecond)

	require.NoError(t, s.scan(context.Background()))
	require.Equal(t, []string{"builder"}, spawner.calls())

	got, err := workers.Get(worker.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerActive, got.Status, "a respawned worker keeps its status")
	require.Equal(t, 4242, got.PID)
}

func TestReconcile_FreshDeathIsErroredNotRespawned(t *testing.T) {
	spawner := &fakeSpawner{pid: 4242}
	s, db := newTestSupervisor(t, Config{Staleness: time.Hour}, spawner, "")

	worker := testutil.NewTestWorker(t, db, "crashy")
	workers := db.WorkerRepository()
	require.NoError(t, workers.UpdateStatus(worker.ID, domain.WorkerActive))
	require.NoError(t, workers.SetProcess(worker.ID, 999999, ""))

	require.NoError(t, s.scan(context.Background()))
	require.Empty(t, spawner.calls(), "a worker that just died is not respawned in a loop")

	got, err := workers.Get(worker.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerError, got.Status)
	require.False(t, got.HasProcess())
}

func TestReconcile_LeavesLiveProcessAlone(t *testing.T) {
	spawner := &fakeSpawner{pid: 4242}
	s, db := newTestSupervisor(t, Config{Staleness: time.Nanosecond}, spawner, "")
	s.alive = func(pid int) bool { return pid == 777 }

	worker := testutil.NewTestWorker(t, db, "healthy")
	workers := db.WorkerRepository()
	require.NoError(t, workers.UpdateStatus(worker.ID, domain.WorkerActive))
	require.NoError(t, workers.SetProcess(worker.ID, 777, ""))

	require.NoError(t, s.scan(context.Background()))
	require.Empty(t, spawner.calls())

	got, err := workers.Get(worker.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerActive, got.Status)
}

func TestSpawnFailure_MarksWorkerErrored(t *testing.T) {
	spawner := &fakeSpawner{err: fmt.Errorf("binary missing")}
	s, db := newTestSupervisor(t, Config{}, spawner, "")

	worker := testutil.NewTestWorker(t, db, "builder")
	testutil.NewTestTask(t, db, worker.ID, "", "pending work", nil)

	require.NoError(t, s.scan(context.Background()))

	got, err := db.WorkerRepository().Get(worker.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerError, got.Status)
	require.Empty(t, s.children)
}

func TestTriggers_FreshTriggerSchedulesWithoutFiring(t *testing.T) {
	s, db := newTestSupervisor(t, Config{}, &fakeSpawner{pid: 1}, "")

	trig := &domain.Trigger{
		WorkerName: "reports",
		Title:      "daily digest",
		Prompt:     "summarize yesterday",
		CronExpr:   "0 9 * * *",
		Enabled:    true,
	}
	require.NoError(t, db.TriggerRepository().Save(trig))

	require.NoError(t, s.scan(context.Background()))

	got, err := db.TriggerRepository().Get(trig.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun, "first scan computes the next run")
	require.True(t, got.NextRun.After(time.Now().UTC().Add(-time.Minute)))

	_, err = db.WorkerRepository().GetByName("reports")
	require.Error(t, err, "scheduling alone creates no worker")
}

func TestTriggers_DueTriggerInsertsRootTaskOnce(t *testing.T) {
	s, db := newTestSupervisor(t, Config{}, &fakeSpawner{pid: 1}, "")
	triggers := db.TriggerRepository()

	past := time.Now().UTC().Add(-time.Minute)
	trig := &domain.Trigger{
		WorkerName: "reports",
		Title:      "daily digest",
		Prompt:     "summarize yesterday",
		CronExpr:   "* * * * *",
		ModelTier:  domain.TierLight,
		Enabled:    true,
		NextRun:    &past,
	}
	require.NoError(t, triggers.Save(trig))

	require.NoError(t, s.scan(context.Background()))

	worker, err := db.WorkerRepository().GetByName("reports")
	require.NoError(t, err)
	tasks, err := db.TaskRepository().ListForWorker(worker.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "daily digest", tasks[0].Title)
	require.Equal(t, "summarize yesterday", tasks[0].Prompt)
	require.Equal(t, domain.TierLight, tasks[0].ModelTier)
	require.True(t, tasks[0].IsRoot())
	require.Equal(t, domain.TaskPending, tasks[0].Status)

	got, err := triggers.Get(trig.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)
	require.NotNil(t, got.NextRun)
	require.True(t, got.NextRun.After(time.Now().UTC().Add(-time.Second)))

	// Two firings in the same minute: the idempotency key lets only the
	// first one through.
	minute := time.Date(2026, 8, 24, 9, 0, 30, 0, time.UTC)
	require.NoError(t, s.fire(context.Background(), trig, minute))
	require.NoError(t, s.fire(context.Background(), trig, minute))

	tasks, err = db.TaskRepository().ListForWorker(worker.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2, "one minute fires at most once")
}

func TestTriggers_DisabledTriggerNeverFires(t *testing.T) {
	s, db := newTestSupervisor(t, Config{}, &fakeSpawner{pid: 1}, "")

	past := time.Now().UTC().Add(-time.Minute)
	trig := &domain.Trigger{
		WorkerName: "reports",
		Title:      "off",
		Prompt:     "never",
		CronExpr:   "* * * * *",
		Enabled:    false,
		NextRun:    &past,
	}
	require.NoError(t, db.TriggerRepository().Save(trig))

	require.NoError(t, s.scan(context.Background()))

	_, err := db.WorkerRepository().GetByName("reports")
	require.Error(t, err)
}

func TestSyncManifest(t *testing.T) {
	skillsDir := t.TempDir()
	skill := "---\nname: code-review\ndescription: Review diffs\n---\n\nRead the diff.\n"
	require.NoError(t, os.WriteFile(filepath.Join(skillsDir, "review.md"), []byte(skill), 0o644))

	s, db := newTestSupervisor(t, Config{}, &fakeSpawner{pid: 1}, skillsDir)
	s.syncManifest()

	refs, err := db.ManifestRepository().ListSkills()
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, "code-review", refs[0].Name)

	policies, err := db.ManifestRepository().ListCapabilities()
	require.NoError(t, err)
	require.NotEmpty(t, policies, "built-in capability policies are synced")
}

func TestSessionName(t *testing.T) {
	worker := &domain.Worker{ID: "0123456789abcdef", Name: "builder"}
	require.Equal(t, "foreman-builder-01234567", SessionName(worker))
}
