// Package runtime manages per-worker filesystem state: workspace
// directories, pid files, and the locked-down env file each worker reads
// its secrets from.
package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/zjrosen/foreman/internal/config"
)

// Paths resolves per-worker filesystem locations from the config.
type Paths struct {
	cfg config.Config
}

// NewPaths creates a Paths resolver.
func NewPaths(cfg config.Config) *Paths {
	return &Paths{cfg: cfg}
}

// Workspace returns (creating if needed) the worker's workspace
// directory under workspaces-dir/<name>.
func (p *Paths) Workspace(workerName string) (string, error) {
	dir := filepath.Join(p.cfg.WorkspacesDir, workerName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	return dir, nil
}

// PidFile returns the worker's pid file path under pid-dir/<name>.pid.
func (p *Paths) PidFile(workerName string) string {
	return filepath.Join(p.cfg.PidDir, workerName+".pid")
}

// WritePidFile records the current process id for the worker.
func (p *Paths) WritePidFile(workerName string, pid int) error {
	if err := os.MkdirAll(p.cfg.PidDir, 0o750); err != nil {
		return fmt.Errorf("creating pid directory: %w", err)
	}
	path := p.PidFile(workerName)
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// ReadPidFile returns the recorded pid, or 0 when the file is absent or
// unreadable.
func (p *Paths) ReadPidFile(workerName string) int {
	data, err := os.ReadFile(p.PidFile(workerName)) //nolint:gosec // G304: path is derived from config
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// RemovePidFile deletes the worker's pid file. A missing file is fine.
func (p *Paths) RemovePidFile(workerName string) error {
	err := os.Remove(p.PidFile(workerName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing pid file: %w", err)
	}
	return nil
}

// EnvFile returns the worker's materialized env file path under
// runtime/env/<worker-id>.env.
func (p *Paths) EnvFile(workerID string) string {
	return filepath.Join(p.cfg.RuntimeDir, "env", workerID+".env")
}

// MaterializeEnv writes the worker's environment overrides to a file
// readable only by the owner. Keys are emitted sorted so the file is
// diffable across spawns.
func (p *Paths) MaterializeEnv(workerID string, env map[string]string) (string, error) {
	dir := filepath.Join(p.cfg.RuntimeDir, "env")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating env directory: %w", err)
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, env[k])
	}

	path := p.EnvFile(workerID)
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return "", fmt.Errorf("writing env file: %w", err)
	}
	return path, nil
}

// ReadEnv parses a materialized env file back into a map.
func ReadEnv(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is produced by MaterializeEnv
	if err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}

	env := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		env[key] = value
	}
	return env, nil
}

// ProcessAlive reports whether an OS process with the given pid exists.
// Signal 0 probes without delivering anything.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(sigProbe) == nil
}
