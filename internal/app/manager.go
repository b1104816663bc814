package app

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"aegis/internal/completion"
	"aegis/internal/config"
	"aegis/internal/domain"
	"aegis/internal/engine"
	"aegis/internal/events"
	"aegis/internal/memory"
	"aegis/internal/repo"
	"aegis/internal/signal"
)

var ErrRunNotFound = errors.New("run not found")

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// Manager owns the runs of one process. Run state lives only in memory; finished runs
// are archived when a repo is configured.
type Manager struct {
	Config    *config.Config
	Completer completion.Completer
	Emitter   events.Emitter
	Memory    *memory.Bank
	Repo      *repo.Repo
	Logger    *slog.Logger
	Now       func() time.Time

	mu   sync.Mutex
	runs map[string]*Run
	wg   sync.WaitGroup
}

func NewManager(cfg *config.Config, c completion.Completer, emitter events.Emitter, mem *memory.Bank, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Manager{
		Config:    cfg,
		Completer: c,
		Emitter:   emitter,
		Memory:    mem,
		Logger:    logger,
		Now:       time.Now,
		runs:      map[string]*Run{},
	}
}

// Run is one live or finished workflow execution.
type Run struct {
	Engine    *engine.Engine
	StartedAt time.Time

	mu      sync.Mutex
	status  string
	err     error
	endedAt time.Time
	final   domain.IncidentRecord
	done    chan struct{}
}

type StartOptions struct {
	// Directive is queued before the run starts so the first decide stage consumes it.
	Directive string
	// Overrides tweak the engine options derived from config, mainly for tests.
	Overrides func(*engine.Options)
}

// Start launches a run in the background and returns immediately.
func (m *Manager) Start(opts StartOptions) (*Run, error) {
	eo := EngineOptions(m.Config)
	eo.Completer = m.Completer
	eo.Emitter = m.Emitter
	eo.Memory = m.Memory
	eo.Logger = m.Logger
	if opts.Overrides != nil {
		opts.Overrides(&eo)
	}
	eng := engine.New(eo)
	if opts.Directive != "" {
		if _, err := eng.SubmitDirective(opts.Directive); err != nil {
			return nil, err
		}
	}
	run := &Run{Engine: eng, StartedAt: m.Now(), status: StatusRunning, done: make(chan struct{})}

	m.mu.Lock()
	m.runs[eng.ID] = run
	m.mu.Unlock()
	m.archive(run)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		rec, err := eng.Run(context.Background())
		run.finish(rec, err, m.Now())
		m.archive(run)
	}()
	return run, nil
}

func (r *Run) finish(rec domain.IncidentRecord, err error, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.final = rec
	r.err = err
	r.endedAt = at
	switch {
	case err == nil:
		r.status = StatusCompleted
	case errors.Is(err, engine.ErrStopped):
		r.status = StatusStopped
	default:
		r.status = StatusFailed
	}
	close(r.done)
}

func (m *Manager) archive(run *Run) {
	if m.Repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Repo.UpsertRun(ctx, run.Info(), run.Engine.Store.AuditLog()); err != nil {
		m.Logger.Warn("archive run", "run_id", run.Engine.ID, "err", err)
	}
}

func (m *Manager) Get(id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

// List returns the runs of this process, newest first.
func (m *Manager) List() []domain.Run {
	m.mu.Lock()
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	out := make([]domain.Run, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Info())
	}
	return out
}

// Shutdown stops every live run and waits for them to return.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, r := range m.runs {
		r.Engine.Stop()
	}
	m.mu.Unlock()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) ID() string { return r.Engine.ID }

// Info summarises the run.
func (r *Run) Info() domain.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.final
	if r.status == StatusRunning {
		rec = r.Engine.Store.Snapshot()
	}
	info := domain.Run{
		ID:        r.Engine.ID,
		Status:    r.status,
		Cycles:    rec.Cycle + 1,
		Resolved:  rec.Resolved,
		StartedAt: timestamp(r.StartedAt),
		EndedAt:   timestamp(r.endedAt),
	}
	if rec.Retrospective != nil {
		info.Retrospective = *rec.Retrospective
	}
	if r.err != nil {
		info.Error = r.err.Error()
	}
	return info
}

// Record returns the current record snapshot.
func (r *Run) Record() domain.IncidentRecord { return r.Engine.Store.Snapshot() }

// Stage returns the stage the run is executing.
func (r *Run) Stage() domain.Stage { return r.Engine.State() }

// Wait blocks until the run returns or ctx ends.
func (r *Run) Wait(ctx context.Context) (domain.IncidentRecord, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.final, r.err
	case <-ctx.Done():
		return domain.IncidentRecord{}, ctx.Err()
	}
}

func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) SubmitDirective(text string) (signal.Delivery, error) {
	return r.Engine.SubmitDirective(text)
}

func (r *Run) Resolve(resolved bool) (signal.Delivery, error) {
	return r.Engine.Resolve(resolved)
}

// Decide applies an approval decision by request id, or by requester when id is empty.
func (r *Run) Decide(requestID string, requester domain.Stage, approved bool) bool {
	if requestID != "" {
		return r.Engine.Gateway.Decide(requestID, approved)
	}
	return r.Engine.Gateway.DecideFor(requester, approved)
}

func (r *Run) Stop() { r.Engine.Stop() }
