package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zjrosen/foreman/internal/config"
	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/runtime"
)

// Spawner launches one worker process. It reports the process id for
// raw-detached children, or a liveness session name for children running
// inside a terminal multiplexer.
type Spawner interface {
	Spawn(ctx context.Context, worker *domain.Worker) (pid int, livenessSession string, err error)
}

// ExecSpawner spawns worker processes from the supervisor's own binary.
// The child is fully detached so supervisor death never takes workers
// down with it.
type ExecSpawner struct {
	cfg   config.Config
	paths *runtime.Paths
}

// NewExecSpawner creates the production spawner.
func NewExecSpawner(cfg config.Config) *ExecSpawner {
	return &ExecSpawner{cfg: cfg, paths: runtime.NewPaths(cfg)}
}

// Spawn launches a worker child. With tmux enabled and available the
// child runs inside a named session operators can attach to; otherwise
// it is raw-detached with output going to the worker's log file.
func (e *ExecSpawner) Spawn(ctx context.Context, worker *domain.Worker) (int, string, error) {
	bin, err := os.Executable()
	if err != nil {
		return 0, "", fmt.Errorf("locating own binary: %w", err)
	}

	workspace, err := e.paths.Workspace(worker.Name)
	if err != nil {
		return 0, "", err
	}

	overrides := map[string]string{
		"FOREMAN_STORE_PATH":     e.cfg.StorePath,
		"FOREMAN_WORKSPACES_DIR": e.cfg.WorkspacesDir,
		"FOREMAN_LOG_DIR":        e.cfg.LogDir,
		"FOREMAN_PID_DIR":        e.cfg.PidDir,
		"FOREMAN_SKILLS_DIR":     e.cfg.SkillsDir,
	}
	if _, err := e.paths.MaterializeEnv(worker.ID, overrides); err != nil {
		return 0, "", err
	}

	env := os.Environ()
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}

	args := []string{"worker", "--name", worker.Name}
	if worker.ChatID != "" {
		args = append(args, "--chat-id", worker.ChatID)
	}

	if e.cfg.Supervisor.UseTmux {
		session, err := e.spawnTmux(ctx, bin, args, env, workspace, worker)
		if err == nil {
			return 0, session, nil
		}
		log.Debug(log.CatSuper, "tmux spawn unavailable, detaching raw",
			"worker", worker.Name, "error", err)
	}

	return e.spawnDetached(bin, args, env, workspace, worker)
}

// spawnTmux starts the worker inside a detached tmux session named after
// the worker, so an operator can attach and watch its output live.
func (e *ExecSpawner) spawnTmux(ctx context.Context, bin string, args, env []string, workspace string, worker *domain.Worker) (string, error) {
	if _, err := exec.LookPath("tmux"); err != nil {
		return "", fmt.Errorf("tmux not on PATH: %w", err)
	}

	session := SessionName(worker)
	tmuxArgs := append([]string{"new-session", "-d", "-s", session, "-c", workspace, bin}, args...)
	cmd := exec.CommandContext(ctx, "tmux", tmuxArgs...)
	cmd.Env = env
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("tmux new-session: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return session, nil
}

// spawnDetached starts the worker in its own session with output
// redirected to its log file, then reaps it in the background.
func (e *ExecSpawner) spawnDetached(bin string, args, env []string, workspace string, worker *domain.Worker) (int, string, error) {
	if err := os.MkdirAll(e.cfg.LogDir, 0o750); err != nil {
		return 0, "", fmt.Errorf("creating log directory: %w", err)
	}
	logPath := filepath.Join(e.cfg.LogDir, "worker-"+worker.Name+".out")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // G304: path is derived from config
	if err != nil {
		return 0, "", fmt.Errorf("opening worker log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.Command(bin, args...) //nolint:gosec // G204: bin is our own executable
	cmd.Dir = workspace
	cmd.Env = env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachedProcAttr()

	if err := cmd.Start(); err != nil {
		return 0, "", fmt.Errorf("starting worker process: %w", err)
	}

	pid := cmd.Process.Pid
	// Reap in the background so an exited worker never lingers as a
	// zombie under the supervisor.
	go func() { _ = cmd.Wait() }()

	return pid, "", nil
}

// SessionName encodes the worker name and an id suffix into the tmux
// session name.
func SessionName(worker *domain.Worker) string {
	id := worker.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("foreman-%s-%s", worker.Name, id)
}

// tmuxSessionAlive probes a tmux session without touching it.
func tmuxSessionAlive(session string) bool {
	if _, err := exec.LookPath("tmux"); err != nil {
		return false
	}
	return exec.Command("tmux", "has-session", "-t", session).Run() == nil
}
