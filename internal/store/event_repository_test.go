package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/foreman/internal/domain"
)

func TestEventRepository_AppendIDsIncrease(t *testing.T) {
	db := newTestDB(t)
	w := createWorker(t, db, "alpha")
	repo := db.EventRepository()

	var prev int64
	for i := 0; i < 5; i++ {
		id, err := repo.Append(w.ID, "", domain.EventTaskDone, "ok")
		require.NoError(t, err)
		require.Greater(t, id, prev, "event ids must be strictly increasing")
		prev = id
	}
}

func TestEventRepository_ClaimForNotification(t *testing.T) {
	db := newTestDB(t)
	w := createWorker(t, db, "alpha")
	repo := db.EventRepository()

	_, err := repo.Append(w.ID, "", domain.EventTaskStarted, "started a")
	require.NoError(t, err)
	_, err = repo.Append(w.ID, "", domain.EventAgentStop, "internal")
	require.NoError(t, err)
	_, err = repo.Append(w.ID, "", domain.EventTaskDone, "done a")
	require.NoError(t, err)

	claimed, err := repo.ClaimForNotification(w.ID, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2, "internal events are never claimed")
	require.Equal(t, domain.EventTaskStarted, claimed[0].Type)
	require.Equal(t, domain.EventTaskDone, claimed[1].Type)

	// Exactly-once: a second claim returns nothing.
	claimed, err = repo.ClaimForNotification(w.ID, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestEventRepository_ClaimRespectsLimit(t *testing.T) {
	db := newTestDB(t)
	w := createWorker(t, db, "alpha")
	repo := db.EventRepository()

	for i := 0; i < 5; i++ {
		_, err := repo.Append(w.ID, "", domain.EventTaskDone, "done")
		require.NoError(t, err)
	}

	claimed, err := repo.ClaimForNotification(w.ID, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	claimed, err = repo.ClaimForNotification(w.ID, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
}

func TestEventRepository_CountUnnotified(t *testing.T) {
	db := newTestDB(t)
	w := createWorker(t, db, "alpha")
	repo := db.EventRepository()

	count, err := repo.CountUnnotified(w.ID)
	require.NoError(t, err)
	require.Zero(t, count)

	_, err = repo.Append(w.ID, "", domain.EventTaskFailed, "boom")
	require.NoError(t, err)
	_, err = repo.Append(w.ID, "", domain.EventFileChanged, "main.go")
	require.NoError(t, err)

	count, err = repo.CountUnnotified(w.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count, "only user-visible events count toward the idle gate")
}

func TestCommandRepository_EnqueueAndDrain(t *testing.T) {
	db := newTestDB(t)
	w := createWorker(t, db, "alpha")
	repo := db.CommandRepository()

	_, err := repo.Enqueue(w.ID, domain.CommandPause, nil)
	require.NoError(t, err)
	_, err = repo.Enqueue(w.ID, domain.CommandAnswer, json.RawMessage(`{"task_id":"t-1","text":"yes"}`))
	require.NoError(t, err)

	pending, err := repo.Pending(w.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, domain.CommandPause, pending[0].Type, "commands drain in insertion order")
	require.Equal(t, domain.CommandAnswer, pending[1].Type)

	action, err := pending[1].Action()
	require.NoError(t, err)
	answer, ok := action.(domain.AnswerAction)
	require.True(t, ok)
	require.Equal(t, "t-1", answer.TaskID)

	require.NoError(t, repo.MarkHandled(pending[0].ID))

	pending, err = repo.Pending(w.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1, "handled commands are not re-delivered")
	require.Equal(t, domain.CommandAnswer, pending[0].Type)
}
