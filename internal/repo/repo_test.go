package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/db"
	"aegis/internal/domain"
	"aegis/internal/events"
	"aegis/internal/migrate"
	"aegis/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func TestNotificationCursors(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	w.Write(events.Notification{Name: events.RunStarted, RunID: "a"})
	w.Write(events.Notification{Name: events.StageStarted, RunID: "a", Payload: events.Payload{"stage": "observe"}})
	w.Write(events.Notification{Name: events.RunStarted, RunID: "b"})

	latest, err := r.LatestEventID(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)
	latestA, err := r.LatestEventID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latestA)

	after, err := r.EventsAfter(ctx, 10, 1, "")
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, events.StageStarted, after[0].Type)
	assert.JSONEq(t, `{"stage":"observe"}`, after[0].Payload)

	newest, err := r.LatestEvents(ctx, 10, "", events.RunStarted)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, "b", newest[0].RunID)

	page, err := r.LatestEventsFrom(ctx, 10, 3, "a", "")
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestRunArchive(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	run := domain.Run{ID: "r1", Status: "running", StartedAt: "2024-01-01T00:00:00Z"}
	require.NoError(t, r.UpsertRun(ctx, run, nil))

	run.Status = "completed"
	run.Cycles = 2
	run.Resolved = true
	run.Retrospective = "went fine"
	run.EndedAt = "2024-01-01T01:00:00Z"
	audit := []domain.AuditEntry{{Seq: 1, Stage: domain.StageObserve, Text: "opened"}}
	require.NoError(t, r.UpsertRun(ctx, run, audit))

	got, err := r.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, run, got)

	log, err := r.RunAudit(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, audit, log)

	_, err = r.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = r.RunAudit(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, r.UpsertRun(ctx, domain.Run{ID: "r2", Status: "failed", StartedAt: "2024-02-01T00:00:00Z", Error: "boom"}, nil))
	runs, err := r.ListRuns(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
	failed, err := r.ListRuns(ctx, 10, "failed")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].Error)
}
