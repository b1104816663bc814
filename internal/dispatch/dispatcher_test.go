package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/completion"
	"aegis/internal/domain"
)

func TestEmptyTasksSkipCompleter(t *testing.T) {
	var calls atomic.Int32
	d := Dispatcher{Completer: completion.Func(func(context.Context, string) (string, error) {
		calls.Add(1)
		return "x", nil
	})}
	out := d.Run(context.Background(), nil, nil)
	assert.NotNil(t, out.Results)
	assert.Empty(t, out.Results)
	assert.Equal(t, 0, out.Executed)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, "no tasks to execute", out.Summary())
}

func TestFailureIsIsolated(t *testing.T) {
	const slow = 80 * time.Millisecond
	d := Dispatcher{
		TaskTimeout: time.Second,
		Completer: completion.Func(func(ctx context.Context, prompt string) (string, error) {
			switch completion.SectionOf(prompt, "unit") {
			case string(domain.UnitPR):
				return "", errors.New("press office unreachable")
			case string(domain.UnitLegal):
				time.Sleep(slow)
			}
			return "done " + completion.SectionOf(prompt, "action"), nil
		}),
	}
	tasks := []domain.Task{
		{Unit: domain.UnitTech, Action: "roll back"},
		{Unit: domain.UnitPR, Action: "statement"},
		{Unit: domain.UnitLegal, Action: "review"},
	}
	start := time.Now()
	out := d.Run(context.Background(), tasks, func(domain.Unit) string { return "status" })
	elapsed := time.Since(start)

	require.Len(t, out.Results, 3)
	assert.Equal(t, "done roll back", out.Results[domain.UnitTech])
	assert.True(t, IsError(out.Results[domain.UnitPR]))
	assert.Contains(t, out.Results[domain.UnitPR], "press office unreachable")
	assert.Equal(t, "done review", out.Results[domain.UnitLegal])
	assert.Equal(t, 3, out.Executed)
	assert.Equal(t, 1, out.Failed)
	assert.Less(t, elapsed, slow+500*time.Millisecond)
	assert.Equal(t, domain.UnitTech, out.Ordered[0].Task.Unit)
}

func TestTasksRunConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	d := Dispatcher{MaxParallel: 2, Completer: completion.Func(func(context.Context, string) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	})}
	var tasks []domain.Task
	for i := 0; i < 6; i++ {
		tasks = append(tasks, domain.Task{Unit: domain.Units[i%len(domain.Units)], Action: "a"})
	}
	out := d.Run(context.Background(), tasks, nil)
	assert.Equal(t, 6, out.Executed)
	assert.Equal(t, int32(2), peak.Load())
}

func TestDuplicateUnitKeepsLast(t *testing.T) {
	var calls atomic.Int32
	d := Dispatcher{Completer: completion.Func(func(_ context.Context, prompt string) (string, error) {
		calls.Add(1)
		return completion.SectionOf(prompt, "action"), nil
	})}
	out := d.Run(context.Background(), []domain.Task{
		{Unit: domain.UnitTech, Action: "first"},
		{Unit: domain.UnitTech, Action: "second"},
	}, nil)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "second", out.Results[domain.UnitTech])
	assert.Equal(t, 2, out.Executed)
}

func TestPanicAndTimeoutCaptured(t *testing.T) {
	d := Dispatcher{TaskTimeout: 20 * time.Millisecond, Completer: completion.Func(func(ctx context.Context, prompt string) (string, error) {
		switch completion.SectionOf(prompt, "unit") {
		case string(domain.UnitTech):
			panic("boom")
		case string(domain.UnitLegal):
			<-ctx.Done()
			return "", ctx.Err()
		case string(domain.UnitSentiment):
			time.Sleep(time.Second)
		}
		return "ok", nil
	})}
	out := d.Run(context.Background(), []domain.Task{
		{Unit: domain.UnitTech, Action: "a"},
		{Unit: domain.UnitLegal, Action: "b"},
		{Unit: domain.UnitSentiment, Action: "c"},
		{Unit: domain.UnitPR, Action: "d"},
	}, nil)
	assert.Contains(t, out.Results[domain.UnitTech], "panic: boom")
	assert.Contains(t, out.Results[domain.UnitLegal], "deadline exceeded")
	assert.Contains(t, out.Results[domain.UnitSentiment], "deadline exceeded")
	assert.Equal(t, "ok", out.Results[domain.UnitPR])
	assert.Equal(t, 3, out.Failed)
}
