package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/app"
	"aegis/internal/completion"
	"aegis/internal/config"
	"aegis/internal/db"
	"aegis/internal/domain"
	"aegis/internal/engine"
	"aegis/internal/events"
	"aegis/internal/memory"
	"aegis/internal/migrate"
	"aegis/internal/repo"
	"aegis/internal/stages"
)

func fastRuns(o *engine.Options) {
	o.Timeouts = stages.Timeouts{}
}

func newManager(t *testing.T) (*app.Manager, *events.Recorder) {
	t.Helper()
	rec := &events.Recorder{}
	m := app.NewManager(config.Default(), completion.Offline{}, rec, memory.NewBank(8, memory.Recent{}), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, rec
}

func TestManagerRunsToCompletion(t *testing.T) {
	m, rec := newManager(t)
	run, err := m.Start(app.StartOptions{Directive: "fix the database outage", Overrides: fastRuns})
	require.NoError(t, err)
	_, err = run.Resolve(true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := run.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, final.Resolved)
	require.NotNil(t, final.Retrospective)

	info := run.Info()
	assert.Equal(t, app.StatusCompleted, info.Status)
	assert.Equal(t, 1, info.Cycles)
	assert.NotEmpty(t, info.EndedAt)
	assert.Equal(t, domain.StageEnd, run.Stage())
	assert.Contains(t, rec.Names(), events.RunCompleted)

	got, err := m.Get(run.ID())
	require.NoError(t, err)
	assert.Same(t, run, got)
	require.Len(t, m.List(), 1)
	assert.Equal(t, 1, m.Memory.Len())
}

func TestManagerGetUnknown(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Get("nope")
	assert.ErrorIs(t, err, app.ErrRunNotFound)
}

func TestManagerStop(t *testing.T) {
	m, _ := newManager(t)
	run, err := m.Start(app.StartOptions{Overrides: func(o *engine.Options) {
		o.Timeouts = stages.Timeouts{DirectiveWait: time.Minute}
	}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return run.Stage() == domain.StageDecide }, 5*time.Second, 5*time.Millisecond)
	run.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = run.Wait(ctx)
	assert.ErrorIs(t, err, engine.ErrStopped)
	assert.Equal(t, app.StatusStopped, run.Info().Status)
}

func TestManagerArchivesRuns(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	m, _ := newManager(t)
	m.Repo = &repo.Repo{DB: conn}
	run, err := m.Start(app.StartOptions{Overrides: fastRuns})
	require.NoError(t, err)
	_, err = run.Resolve(true)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = run.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.Repo.GetRun(context.Background(), run.ID())
		return err == nil && got.Status == app.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	audit, err := m.Repo.RunAudit(context.Background(), run.ID())
	require.NoError(t, err)
	assert.NotEmpty(t, audit)
}

func TestResolveConfigFallsBackToDefaults(t *testing.T) {
	cfg, err := app.ResolveConfig(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, "offline", cfg.Completion.Backend)

	_, ok := app.NewCompleter(cfg, false).(completion.Offline)
	assert.True(t, ok)

	cfg.Completion.Backend = "openai"
	_, ok = app.NewCompleter(cfg, false).(*completion.Client)
	assert.True(t, ok)
	_, ok = app.NewCompleter(cfg, true).(completion.Offline)
	assert.True(t, ok)
}
