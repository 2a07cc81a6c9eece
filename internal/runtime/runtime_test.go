package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/foreman/internal/config"
)

func testPaths(t *testing.T) *Paths {
	t.Helper()
	base := t.TempDir()
	cfg := config.Defaults()
	cfg.WorkspacesDir = filepath.Join(base, "workspaces")
	cfg.PidDir = filepath.Join(base, "pids")
	cfg.RuntimeDir = filepath.Join(base, "runtime")
	return NewPaths(cfg)
}

func TestWorkspace(t *testing.T) {
	p := testPaths(t)

	dir, err := p.Workspace("alpha")
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.Equal(t, "alpha", filepath.Base(dir))

	// Idempotent.
	again, err := p.Workspace("alpha")
	require.NoError(t, err)
	require.Equal(t, dir, again)
}

func TestPidFileRoundTrip(t *testing.T) {
	p := testPaths(t)

	require.Zero(t, p.ReadPidFile("alpha"), "missing pid file reads as zero")

	require.NoError(t, p.WritePidFile("alpha", 4242))
	require.Equal(t, 4242, p.ReadPidFile("alpha"))

	info, err := os.Stat(p.PidFile("alpha"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, p.RemovePidFile("alpha"))
	require.Zero(t, p.ReadPidFile("alpha"))
	require.NoError(t, p.RemovePidFile("alpha"), "removing twice is fine")
}

func TestMaterializeEnv(t *testing.T) {
	p := testPaths(t)

	path, err := p.MaterializeEnv("w-1", map[string]string{
		"FOREMAN_WORKER_NAME": "alpha",
		"API_TOKEN":           "secret",
	})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "env file must be owner-only")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "API_TOKEN=secret\nFOREMAN_WORKER_NAME=alpha\n", string(data), "keys are sorted")

	env, err := ReadEnv(path)
	require.NoError(t, err)
	require.Equal(t, "alpha", env["FOREMAN_WORKER_NAME"])
	require.Equal(t, "secret", env["API_TOKEN"])
}

func TestProcessAlive(t *testing.T) {
	require.True(t, ProcessAlive(os.Getpid()), "our own process is alive")
	require.False(t, ProcessAlive(0))
	require.False(t, ProcessAlive(-1))
	// Pid from far outside the usual range; may exist in theory but the
	// max pid on test systems makes that vanishingly unlikely.
	require.False(t, ProcessAlive(1<<22+12345))
}
