// Package approval gates risky stage actions behind an external decision with a bounded wait.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"aegis/internal/completion"
	"aegis/internal/domain"
	"aegis/internal/events"
	"aegis/internal/record"
)

const staticRationale = "Proceeding contains the incident faster than waiting."

const (
	statusPending int32 = iota
	statusApproved
	statusRejected
)

type ticket struct {
	id        string
	requester domain.Stage
	status    atomic.Int32
	done      chan struct{}
}

func (t *ticket) approved() bool { return t.status.Load() == statusApproved }

// Gateway owns every approval request of one run.
type Gateway struct {
	Store     *record.Store
	Completer completion.Completer
	Events    events.Bound
	Logger    *slog.Logger
	NewID     func() string

	mu      sync.Mutex
	tickets map[string]*ticket
	// latest pending ticket per requester, for decisions addressed by identity
	pending map[domain.Stage]*ticket

	stopOnce sync.Once
	stopped  chan struct{}
}

func NewGateway(store *record.Store, c completion.Completer, ev events.Bound, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		Store:     store,
		Completer: c,
		Events:    ev,
		Logger:    logger,
		NewID:     func() string { return uuid.NewString() },
		tickets:   map[string]*ticket{},
		pending:   map[domain.Stage]*ticket{},
		stopped:   make(chan struct{}),
	}
}

// Request records a pending approval for action and notifies the transport.
func (g *Gateway) Request(ctx context.Context, requester domain.Stage, action, situation string) domain.ApprovalRequest {
	rationale, fellBack := g.rationale(ctx, requester, action, situation)
	req := domain.ApprovalRequest{
		ID:          g.NewID(),
		Requester:   requester,
		Action:      action,
		Rationale:   rationale,
		Status:      domain.ApprovalPending,
		RequestedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if g.Store.Now != nil {
		req.RequestedAt = g.Store.Now().UTC().Format(time.RFC3339Nano)
	}
	t := &ticket{id: req.ID, requester: requester, done: make(chan struct{})}

	g.mu.Lock()
	g.tickets[req.ID] = t
	g.pending[requester] = t
	g.mu.Unlock()

	g.Store.AppendApproval(req)
	note := ""
	if fellBack {
		note = " (fallback rationale)"
	}
	g.Store.Auditf(domain.StageGateway, "approval %s requested by %s: %s. rationale: %s%s", short(req.ID), requester, action, rationale, note)
	g.Events.Send(events.ApprovalRequested, events.Payload{
		"request_id": req.ID,
		"requester":  string(requester),
		"action":     action,
		"rationale":  rationale,
	})
	g.Logger.Info("approval requested", "request_id", req.ID, "requester", requester)
	return req
}

func (g *Gateway) rationale(ctx context.Context, requester domain.Stage, action, situation string) (string, bool) {
	if g.Completer == nil {
		return staticRationale, true
	}
	prompt := completion.Prompt(completion.KindRationale,
		"In one sentence of at most 50 characters, explain why this action should be approved.",
		completion.Section{Title: "requester", Body: string(requester)},
		completion.Section{Title: "action", Body: action},
		completion.Section{Title: "situation", Body: situation},
	)
	text, err := g.Completer.Complete(ctx, prompt)
	if err != nil || strings.TrimSpace(text) == "" {
		g.Logger.Warn("approval rationale fallback", "requester", requester, "err", err)
		return staticRationale, true
	}
	return strings.TrimSpace(text), false
}

// Await blocks until req is decided externally or the timeout, run cancellation, or
// gateway shutdown resolves it as approved. A non-positive timeout does not block.
func (g *Gateway) Await(ctx context.Context, req domain.ApprovalRequest, timeout time.Duration) bool {
	t := g.ticket(req.ID)
	if t == nil {
		return false
	}
	if timeout <= 0 {
		select {
		case <-t.done:
			return t.approved()
		default:
		}
		return g.fallback(t, "zero-length wait")
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.approved()
	case <-timer.C:
		return g.fallback(t, fmt.Sprintf("no decision within %s", timeout))
	case <-ctx.Done():
		return g.fallback(t, "run cancelled")
	case <-g.stopped:
		return g.fallback(t, "gateway stopped")
	}
}

func (g *Gateway) fallback(t *ticket, reason string) bool {
	if !g.resolve(t, statusApproved, domain.DecidedAuto, reason) {
		// an external decision won the race; wait for it to finish publishing
		<-t.done
	}
	return t.approved()
}

// Decide applies an external decision to a pending request. Only the first decision on a
// request has effect; later calls and unknown ids return false.
func (g *Gateway) Decide(requestID string, approved bool) bool {
	t := g.ticket(requestID)
	if t == nil {
		return false
	}
	return g.resolve(t, toStatus(approved), domain.DecidedExternal, "external decision-maker")
}

// DecideFor applies an external decision to the latest pending request of requester.
func (g *Gateway) DecideFor(requester domain.Stage, approved bool) bool {
	g.mu.Lock()
	t := g.pending[requester]
	g.mu.Unlock()
	if t == nil {
		return false
	}
	return g.resolve(t, toStatus(approved), domain.DecidedExternal, "external decision-maker")
}

// Stop resolves every in-flight and future wait as a timeout fallback.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() { close(g.stopped) })
}

// Pending returns the requests still awaiting a decision.
func (g *Gateway) Pending() []domain.ApprovalRequest {
	var out []domain.ApprovalRequest
	for _, r := range g.Store.Approvals() {
		if r.Status == domain.ApprovalPending {
			out = append(out, r)
		}
	}
	return out
}

// resolve is the only writer of a ticket's terminal status.
func (g *Gateway) resolve(t *ticket, status int32, by domain.Decider, reason string) bool {
	if !t.status.CompareAndSwap(statusPending, status) {
		return false
	}
	g.mu.Lock()
	if g.pending[t.requester] == t {
		delete(g.pending, t.requester)
	}
	g.mu.Unlock()

	final := domain.ApprovalApproved
	if status == statusRejected {
		final = domain.ApprovalRejected
	}
	if _, err := g.Store.ResolveApproval(t.id, final, by); err != nil {
		g.Logger.Error("approval store out of sync", "request_id", t.id, "err", err)
	}
	if by == domain.DecidedAuto {
		g.Store.Auditf(domain.StageGateway, "approval %s for %s auto-approved by fallback decision-maker: %s", short(t.id), t.requester, reason)
	} else {
		g.Store.Auditf(domain.StageGateway, "approval %s for %s %s by %s", short(t.id), t.requester, final, reason)
	}
	g.Events.Send(events.ApprovalDecided, events.Payload{
		"request_id": t.id,
		"requester":  string(t.requester),
		"status":     string(final),
		"decided_by": string(by),
	})
	g.Logger.Info("approval decided", "request_id", t.id, "status", final, "decided_by", by)
	close(t.done)
	return true
}

func (g *Gateway) ticket(id string) *ticket {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tickets[id]
}

func toStatus(approved bool) int32 {
	if approved {
		return statusApproved
	}
	return statusRejected
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
