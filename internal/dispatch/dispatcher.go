// Package dispatch executes a cycle's tasks concurrently and joins their results.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"aegis/internal/completion"
	"aegis/internal/domain"
)

const (
	DefaultMaxParallel = 8
	DefaultTaskTimeout = 60 * time.Second
)

// ErrorPrefix starts every captured task failure.
const ErrorPrefix = "error: "

type Result struct {
	Index   int
	Task    domain.Task
	Output  string
	Err     error
	Elapsed time.Duration
}

// Outcome is the joined result of one fan-out.
type Outcome struct {
	// Results maps unit to output or captured error text. Duplicate units keep the last task's result.
	Results  map[domain.Unit]string
	Ordered  []Result
	Executed int
	Failed   int
}

// Summary renders the consolidated audit entry for the outcome.
func (o Outcome) Summary() string {
	if o.Executed == 0 {
		return "no tasks to execute"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "executed %d task(s), %d failed:", o.Executed, o.Failed)
	for _, r := range o.Ordered {
		fmt.Fprintf(&b, "\n- %s: %s", r.Task.Unit, r.Output)
	}
	return b.String()
}

// StatusFunc returns the status snapshot a unit acts on.
type StatusFunc func(domain.Unit) string

type Dispatcher struct {
	Completer   completion.Completer
	MaxParallel int
	TaskTimeout time.Duration
	Logger      *slog.Logger
}

// Run starts every task, bounded by MaxParallel, and returns once all have finished or
// failed. A failing or panicking task never cancels its siblings.
func (d Dispatcher) Run(ctx context.Context, tasks []domain.Task, status StatusFunc) Outcome {
	out := Outcome{Results: map[domain.Unit]string{}}
	if len(tasks) == 0 {
		return out
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	max := d.MaxParallel
	if max <= 0 {
		max = DefaultMaxParallel
	}
	if status == nil {
		status = func(domain.Unit) string { return "" }
	}

	p := pool.NewWithResults[Result]().WithMaxGoroutines(max)
	for i, task := range tasks {
		i, task := i, task
		snapshot := status(task.Unit)
		p.Go(func() Result {
			start := time.Now()
			res := Result{Index: i, Task: task}
			res.Output, res.Err = d.execute(ctx, task, snapshot)
			res.Elapsed = time.Since(start)
			return res
		})
	}
	results := p.Wait()
	sort.Slice(results, func(a, b int) bool { return results[a].Index < results[b].Index })

	for _, r := range results {
		if r.Err != nil {
			r.Output = fmt.Sprintf("%s%s: %v", ErrorPrefix, r.Task.Unit, r.Err)
			out.Failed++
			logger.Warn("task failed", "unit", r.Task.Unit, "err", r.Err, "elapsed", r.Elapsed)
		}
		out.Results[r.Task.Unit] = r.Output
		out.Ordered = append(out.Ordered, r)
		out.Executed++
	}
	return out
}

func (d Dispatcher) execute(ctx context.Context, task domain.Task, snapshot string) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			output, err = "", fmt.Errorf("panic: %v", rec)
		}
	}()
	if d.Completer == nil {
		return "", completion.ErrUnavailable
	}
	timeout := d.TaskTimeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		text string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- reply{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		text, err := d.Completer.Complete(tctx, Prompt(task, snapshot))
		ch <- reply{text: text, err: err}
	}()
	// the completer may ignore its context, so the timeout is enforced here too
	select {
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		if strings.TrimSpace(r.text) == "" {
			return "", fmt.Errorf("empty result")
		}
		return strings.TrimSpace(r.text), nil
	case <-tctx.Done():
		return "", tctx.Err()
	}
}

// Prompt builds the unit-specific execution prompt.
func Prompt(task domain.Task, snapshot string) string {
	return completion.Prompt(completion.KindExecute,
		"You are the "+task.Unit.Label()+" of a social media platform in the middle of an incident. "+
			"Carry out the action and report concretely what you did and the immediate effect, in under 120 words.",
		completion.Section{Title: "unit", Body: string(task.Unit)},
		completion.Section{Title: "action", Body: task.Action},
		completion.Section{Title: "unit status", Body: snapshot},
	)
}

// IsError reports whether a result string is a captured failure.
func IsError(result string) bool { return strings.HasPrefix(result, ErrorPrefix) }
