package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"aegis/internal/approval"
	"aegis/internal/completion"
	"aegis/internal/dispatch"
	"aegis/internal/domain"
	"aegis/internal/events"
	"aegis/internal/memory"
	"aegis/internal/record"
	"aegis/internal/signal"
	"aegis/internal/stages"
)

var (
	ErrStopped               = errors.New("run stopped")
	ErrCompletionUnavailable = errors.New("completion port unavailable for the whole run")
)

type Options struct {
	RunID            string
	Completer        completion.Completer
	Emitter          events.Emitter
	Logger           *slog.Logger
	Timeouts         stages.Timeouts
	MaxParallel      int
	TaskTimeout      time.Duration
	MaxTasks         int
	MaxCycles        int
	UnreachableAfter int
	Memory           *memory.Bank
	SampleSize       int
	IntakeCapacity   int
	Rand             *rand.Rand
	Now              func() time.Time
}

// Engine drives one run through the stage state machine.
type Engine struct {
	ID          string
	Store       *record.Store
	Gateway     *approval.Gateway
	Directives  *signal.Mailbox[string]
	Resolutions *signal.Mailbox[bool]

	stages           *stages.Set
	tracker          *completion.Tracker
	events           events.Bound
	logger           *slog.Logger
	maxCycles        int
	unreachableAfter int

	mu      sync.Mutex
	state   domain.Stage
	cancel  context.CancelFunc
	stopped bool
}

func New(opts Options) *Engine {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Emitter == nil {
		opts.Emitter = events.Nop{}
	}
	if opts.Completer == nil {
		opts.Completer = completion.Offline{}
	}
	if opts.Memory == nil {
		opts.Memory = memory.NewBank(0, nil)
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger := opts.Logger.With("run_id", opts.RunID)
	store := record.New()
	if opts.Now != nil {
		store.Now = opts.Now
	}
	bound := events.Bound{RunID: opts.RunID, Next: opts.Emitter, Now: opts.Now}
	tracker := completion.Track(opts.Completer)
	gw := approval.NewGateway(store, tracker, bound, logger)
	e := &Engine{
		ID:               opts.RunID,
		Store:            store,
		Gateway:          gw,
		Directives:       signal.NewMailbox[string](opts.IntakeCapacity),
		Resolutions:      signal.NewMailbox[bool](opts.IntakeCapacity),
		tracker:          tracker,
		events:           bound,
		logger:           logger,
		maxCycles:        opts.MaxCycles,
		unreachableAfter: opts.UnreachableAfter,
		state:            domain.StageObserve,
	}
	e.stages = &stages.Set{
		Store:     store,
		Gateway:   gw,
		Completer: tracker,
		Dispatcher: dispatch.Dispatcher{
			Completer:   tracker,
			MaxParallel: opts.MaxParallel,
			TaskTimeout: opts.TaskTimeout,
			Logger:      logger,
		},
		Directives:  e.Directives,
		Resolutions: e.Resolutions,
		Memory:      opts.Memory,
		Timeouts:    opts.Timeouts,
		MaxTasks:    opts.MaxTasks,
		SampleSize:  opts.SampleSize,
		Rand:        opts.Rand,
		Logger:      logger,
	}
	return e
}

// Next returns the stage after from. resolved only matters after check.
func Next(from domain.Stage, resolved bool) (domain.Stage, error) {
	switch from {
	case domain.StageCheck:
		if resolved {
			return domain.StageRetrospective, nil
		}
		return domain.StageObserve, nil
	case domain.StageRetrospective:
		return domain.StageEnd, nil
	}
	for i, s := range domain.CycleStages[:len(domain.CycleStages)-1] {
		if s == from {
			return domain.CycleStages[i+1], nil
		}
	}
	return "", fmt.Errorf("invalid stage transition from %s", from)
}

// Run executes stages until the incident is resolved and the retrospective is written.
// It returns the final record even when the run stops or fails.
func (e *Engine) Run(ctx context.Context) (domain.IncidentRecord, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return e.Store.Snapshot(), ErrStopped
	}
	e.cancel = cancel
	e.mu.Unlock()

	e.events.Send(events.RunStarted, nil)
	e.logger.Info("run started")

	stage := domain.StageObserve
	for stage != domain.StageEnd {
		if ctx.Err() != nil {
			return e.finish(ErrStopped)
		}
		if e.tracker.Unavailable(e.unreachableAfter) {
			return e.finish(ErrCompletionUnavailable)
		}
		e.setState(stage)
		cycle := e.Store.Cycle()
		e.events.Send(events.StageStarted, events.Payload{"stage": string(stage), "cycle": cycle})
		e.logger.Debug("stage started", "stage", stage, "cycle", cycle)

		fn := e.stages.For(stage)
		patch := fn(ctx, e.Store.Snapshot())
		e.Store.Apply(stage, patch)
		e.events.Send(events.StageCompleted, events.Payload{"stage": string(stage), "cycle": cycle})

		resolved := e.Store.Snapshot().Resolved
		next, err := Next(stage, resolved)
		if err != nil {
			return e.finish(err)
		}
		if stage == domain.StageCheck {
			e.events.Send(events.CycleCompleted, events.Payload{"cycle": cycle, "resolved": resolved})
			if next == domain.StageObserve {
				if e.maxCycles > 0 && cycle+1 >= e.maxCycles {
					e.Store.Auditf(domain.StageEngine, "cycle limit %d reached, closing incident unresolved", e.maxCycles)
					next = domain.StageRetrospective
				} else {
					e.Store.AdvanceCycle()
				}
			}
		}
		stage = next
	}
	return e.finish(nil)
}

func (e *Engine) finish(err error) (domain.IncidentRecord, error) {
	rec := e.Store.Snapshot()
	payload := events.Payload{"cycle": rec.Cycle, "resolved": rec.Resolved}
	switch {
	case err == nil:
		e.setState(domain.StageEnd)
		e.events.Send(events.RunCompleted, payload)
		e.logger.Info("run completed", "cycles", rec.Cycle+1, "resolved", rec.Resolved)
	case errors.Is(err, ErrStopped):
		e.events.Send(events.RunStopped, payload)
		e.logger.Info("run stopped", "stage", e.State())
	default:
		payload["error"] = err.Error()
		e.events.Send(events.RunFailed, payload)
		e.logger.Error("run failed", "err", err)
	}
	return rec, err
}

// Stop cancels the run. Pending approvals resolve as timeout fallbacks and the run
// returns ErrStopped at the next stage boundary.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()
	e.Gateway.Stop()
	if cancel != nil {
		cancel()
	}
}

// State returns the stage currently executing.
func (e *Engine) State() domain.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s domain.Stage) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// SubmitDirective hands a directive to the decide stage, or queues it for the next one.
func (e *Engine) SubmitDirective(text string) (signal.Delivery, error) {
	d, err := e.Directives.Submit(text)
	if err != nil {
		return "", err
	}
	e.Store.Auditf(domain.StageIntake, "directive %s: %s", d, text)
	e.events.Send(events.DirectiveReceived, events.Payload{"directive": text, "delivery": string(d)})
	return d, nil
}

// Resolve delivers the resolution signal consumed by the check stage.
func (e *Engine) Resolve(resolved bool) (signal.Delivery, error) {
	d, err := e.Resolutions.Submit(resolved)
	if err != nil {
		return "", err
	}
	if resolved {
		e.Store.Auditf(domain.StageIntake, "resolution signal %s: resolved", d)
	} else {
		e.Store.Auditf(domain.StageIntake, "resolution signal %s: unresolved", d)
	}
	return d, nil
}

// CompletionStats returns the tracked completion successes and failures.
func (e *Engine) CompletionStats() (int64, int64) {
	return e.tracker.Successes(), e.tracker.Failures()
}
