// Package testutil provides test helpers for database setup and fixture
// construction.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/store"
)

// NewTestDB opens a migrated database in a per-test temp directory.
// Closing is registered on test cleanup.
func NewTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewTestWorker creates a dormant worker with the given name.
func NewTestWorker(t *testing.T, db *store.DB, name string) *domain.Worker {
	t.Helper()
	w, err := db.WorkerRepository().GetOrCreate(name, "")
	require.NoError(t, err)
	return w
}

// NewTestTask creates a task for the worker. Parent may be empty for a
// root task.
func NewTestTask(t *testing.T, db *store.DB, workerID, parentID, title string, deps []string) *domain.Task {
	t.Helper()
	task := &domain.Task{
		WorkerID: workerID,
		ParentID: parentID,
		Title:    title,
		Prompt:   "prompt for " + title,
		Deps:     deps,
	}
	require.NoError(t, db.TaskRepository().Create(task))
	return task
}
