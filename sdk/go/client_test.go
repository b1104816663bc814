package aegissdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/app"
	"aegis/internal/completion"
	"aegis/internal/config"
	"aegis/internal/events"
	"aegis/internal/server"
	aegissdk "aegis/sdk/go"
)

func newClient(t *testing.T, tune func(*config.Config)) *aegissdk.Client {
	t.Helper()
	cfg := config.Default()
	cfg.Workflow.ApprovalTimeout = 0
	cfg.Workflow.AutonomousApprovalTimeout = 0
	cfg.Workflow.DirectiveWait = 0
	cfg.Workflow.ResolutionWait = config.Duration(2 * time.Second)
	if tune != nil {
		tune(cfg)
	}
	hub := events.NewHub(0)
	m := app.NewManager(cfg, completion.Offline{}, hub, nil, nil)
	handler, err := server.New(server.Config{Manager: m, Hub: hub})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		ts.Close()
	})
	return aegissdk.New(ts.URL)
}

func TestClientRunToResolution(t *testing.T) {
	c := newClient(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	run, err := c.StartRun(ctx, "联系媒体发布声明")
	require.NoError(t, err)
	assert.Equal(t, "running", run.Status)

	delivery, err := c.Resolve(ctx, run.ID, true)
	require.NoError(t, err)
	assert.Contains(t, []string{"consumed", "queued"}, delivery)

	detail, err := c.WaitFinished(ctx, run.ID, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "completed", detail.Status)
	assert.True(t, detail.Record.Resolved)
	assert.Contains(t, detail.Record.ExecutionResults, "pr_dept")
	assert.NotEmpty(t, detail.Record.Retrospective)

	audit, err := c.Audit(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, len(detail.Record.AuditLog), len(audit))

	runs, err := c.ListRuns(ctx, "completed")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestClientApprovalsAndStop(t *testing.T) {
	c := newClient(t, func(cfg *config.Config) {
		cfg.Workflow.ApprovalTimeout = config.Duration(10 * time.Second)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	run, err := c.StartRun(ctx, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		pending, err := c.Approvals(ctx, run.ID, "pending")
		return err == nil && len(pending) == 1
	}, 5*time.Second, 20*time.Millisecond)

	applied, err := c.DecideFor(ctx, run.ID, "diagnose", false)
	require.NoError(t, err)
	assert.True(t, applied)

	_, err = c.Stop(ctx, run.ID)
	require.NoError(t, err)
	detail, err := c.WaitFinished(ctx, run.ID, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "stopped", detail.Status)
	assert.Equal(t, "rejected", detail.Record.ApprovalRequests[0].Status)
}

func TestClientErrors(t *testing.T) {
	c := newClient(t, nil)
	ctx := context.Background()

	_, err := c.GetRun(ctx, "missing")
	var apiErr *aegissdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	_, err = c.Archived(ctx, 10)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}
