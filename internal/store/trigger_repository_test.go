package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/foreman/internal/domain"
)

func TestTriggerRepository_SaveAndGet(t *testing.T) {
	db := newTestDB(t)
	repo := db.TriggerRepository()

	trig := &domain.Trigger{
		WorkerName: "alpha",
		Title:      "nightly report",
		Prompt:     "summarize yesterday",
		CronExpr:   "0 6 * * *",
		Skills:     []string{"reporting"},
		Enabled:    true,
	}
	require.NoError(t, repo.Save(trig))
	require.NotEmpty(t, trig.ID)

	got, err := repo.Get(trig.ID)
	require.NoError(t, err)
	require.Equal(t, "nightly report", got.Title)
	require.Equal(t, "0 6 * * *", got.CronExpr)
	require.Equal(t, []string{"reporting"}, got.Skills)
	require.Equal(t, domain.TierStandard, got.ModelTier)

	// Save again updates in place.
	trig.Enabled = false
	require.NoError(t, repo.Save(trig))
	got, err = repo.Get(trig.ID)
	require.NoError(t, err)
	require.False(t, got.Enabled)
}

func TestTriggerRepository_ListDue(t *testing.T) {
	db := newTestDB(t)
	repo := db.TriggerRepository()
	now := time.Now()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &domain.Trigger{WorkerName: "a", Title: "due", Prompt: "p", CronExpr: "* * * * *", Enabled: true, NextRun: &past}
	notDue := &domain.Trigger{WorkerName: "a", Title: "later", Prompt: "p", CronExpr: "* * * * *", Enabled: true, NextRun: &future}
	disabled := &domain.Trigger{WorkerName: "a", Title: "off", Prompt: "p", CronExpr: "* * * * *", Enabled: false, NextRun: &past}
	fresh := &domain.Trigger{WorkerName: "a", Title: "fresh", Prompt: "p", CronExpr: "* * * * *", Enabled: true}

	for _, trig := range []*domain.Trigger{due, notDue, disabled, fresh} {
		require.NoError(t, repo.Save(trig))
	}

	got, err := repo.ListDue(now)
	require.NoError(t, err)
	require.Len(t, got, 2, "due and never-run triggers fire; future and disabled do not")

	titles := []string{got[0].Title, got[1].Title}
	require.ElementsMatch(t, []string{"due", "fresh"}, titles)
}

func TestTriggerRepository_RecordFiringIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := db.TriggerRepository()

	trig := &domain.Trigger{WorkerName: "a", Title: "t", Prompt: "p", CronExpr: "* * * * *", Enabled: true}
	require.NoError(t, repo.Save(trig))

	minute := time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)
	key := trig.FireKey(minute)

	won, err := repo.RecordFiring(trig.ID, key)
	require.NoError(t, err)
	require.True(t, won, "first firing wins the key")

	won, err = repo.RecordFiring(trig.ID, key)
	require.NoError(t, err)
	require.False(t, won, "same minute must not fire twice")

	won, err = repo.RecordFiring(trig.ID, trig.FireKey(minute.Add(time.Minute)))
	require.NoError(t, err)
	require.True(t, won, "the next minute is a fresh key")
}

func TestTriggerRepository_Delete(t *testing.T) {
	db := newTestDB(t)
	repo := db.TriggerRepository()

	trig := &domain.Trigger{WorkerName: "a", Title: "t", Prompt: "p", CronExpr: "* * * * *", Enabled: true}
	require.NoError(t, repo.Save(trig))

	_, err := repo.RecordFiring(trig.ID, trig.FireKey(time.Now()))
	require.NoError(t, err)

	require.NoError(t, repo.Delete(trig.ID))
	_, err = repo.Get(trig.ID)
	require.ErrorIs(t, err, ErrTriggerNotFound)

	require.ErrorIs(t, repo.Delete(trig.ID), ErrTriggerNotFound)
}

func TestConnectorRepository_SaveAndList(t *testing.T) {
	db := newTestDB(t)
	repo := db.ConnectorRepository()

	require.NoError(t, repo.Save(&domain.Connector{
		Name:      "telegram",
		Transport: domain.TransportHTTP,
		Config:    []byte(`{"parse_mode":"Markdown"}`),
	}))

	got, err := repo.Get("telegram")
	require.NoError(t, err)
	require.Equal(t, domain.TransportHTTP, got.Transport)
	require.JSONEq(t, `{"parse_mode":"Markdown"}`, string(got.Config))

	// Upsert by name.
	require.NoError(t, repo.Save(&domain.Connector{Name: "telegram", RoleScope: "notify"}))
	got, err = repo.Get("telegram")
	require.NoError(t, err)
	require.Equal(t, "notify", got.RoleScope)
	require.Equal(t, domain.TransportPipe, got.Transport, "transport defaults to pipe")

	list, err := repo.List()
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = repo.Get("slack")
	require.ErrorIs(t, err, ErrConnectorNotFound)
}

func TestRunRepository_RecordAndList(t *testing.T) {
	db := newTestDB(t)
	w := createWorker(t, db, "alpha")
	repo := db.RunRepository()

	ended := time.Now()
	run := &domain.Run{
		WorkerID:      w.ID,
		StartedAt:     ended.Add(-3 * time.Second),
		EndedAt:       &ended,
		Elapsed:       3 * time.Second,
		Model:         "sonnet",
		Timeout:       120 * time.Second,
		RequestChars:  420,
		ResultChars:   1337,
		ParseAttempts: 2,
		Fallback:      false,
		RawHead:       `{"subtasks":[...]}`,
	}
	require.NoError(t, repo.Record(run))
	require.NotEmpty(t, run.ID)

	runs, err := repo.ListForWorker(w.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, 3*time.Second, runs[0].Elapsed)
	require.Equal(t, 120*time.Second, runs[0].Timeout)
	require.Equal(t, 2, runs[0].ParseAttempts)
	require.NotNil(t, runs[0].EndedAt)
}
