package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/app"
	"aegis/internal/completion"
	"aegis/internal/config"
	"aegis/internal/domain"
	"aegis/internal/engine"
	"aegis/internal/events"
	"aegis/internal/stages"
)

func TestParseCommand(t *testing.T) {
	cases := map[string]consoleCommand{
		"d restart the database": {verb: "directive", arg: "restart the database"},
		"  APPROVE diagnose ":    {verb: "approve", arg: "diagnose"},
		"r":                      {verb: "reject"},
		"y":                      {verb: "resolved"},
		"unresolved":             {verb: "unresolved"},
		"q":                      {verb: "stop"},
	}
	for line, want := range cases {
		got, err := parseCommand(line)
		require.NoError(t, err, line)
		assert.Equal(t, want, got, line)
	}
	for _, bad := range []string{"", "d", "launch"} {
		_, err := parseCommand(bad)
		assert.Error(t, err, bad)
	}
}

func TestConsoleDrivesRun(t *testing.T) {
	cfg := config.Default()
	m := app.NewManager(cfg, completion.Offline{}, events.Nop{}, nil, nil)
	run, err := m.Start(app.StartOptions{Overrides: func(o *engine.Options) {
		o.Timeouts = stages.Timeouts{Approval: 10 * time.Second, ResolutionWait: 10 * time.Second}
	}})
	require.NoError(t, err)
	t.Cleanup(func() {
		run.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	require.Eventually(t, func() bool { return len(run.Engine.Gateway.Pending()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Contains(t, execute(run, consoleCommand{verb: "status"}), "pending")
	assert.Contains(t, execute(run, consoleCommand{verb: "approve", arg: "diagnose"}), "approved")
	assert.Equal(t, "no pending approval matches", execute(run, consoleCommand{verb: "reject", arg: "diagnose"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go console(ctx, run, strings.NewReader("stop\n"))
	_, err = run.Wait(ctx)
	assert.ErrorIs(t, err, engine.ErrStopped)
	assert.Equal(t, domain.DecidedExternal, run.Record().ApprovalRequests[0].DecidedBy)
}
