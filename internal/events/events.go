// Package events carries best-effort notifications from a run to the outside world.
package events

import (
	"sync"
	"time"
)

const (
	RunStarted        = "run.started"
	RunCompleted      = "run.completed"
	RunFailed         = "run.failed"
	RunStopped        = "run.stopped"
	StageStarted      = "stage.started"
	StageCompleted    = "stage.completed"
	ApprovalRequested = "approval.requested"
	ApprovalDecided   = "approval.decided"
	DirectiveReceived = "directive.received"
	CycleCompleted    = "cycle.completed"
)

type Payload map[string]any

type Notification struct {
	Name    string    `json:"name"`
	RunID   string    `json:"run_id"`
	Payload Payload   `json:"payload"`
	At      time.Time `json:"at"`
}

// Emitter is fire-and-forget: Emit must not block the caller on delivery.
type Emitter interface {
	Emit(n Notification)
}

type EmitterFunc func(n Notification)

func (f EmitterFunc) Emit(n Notification) { f(n) }

// Nop drops every notification.
type Nop struct{}

func (Nop) Emit(Notification) {}

// Multi fans a notification out to every emitter in order.
type Multi []Emitter

func (m Multi) Emit(n Notification) {
	for _, e := range m {
		if e != nil {
			e.Emit(n)
		}
	}
}

// Bound stamps run id and time on notifications before forwarding them.
type Bound struct {
	RunID string
	Next  Emitter
	Now   func() time.Time
}

func (b Bound) Send(name string, payload Payload) {
	if b.Next == nil {
		return
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	b.Next.Emit(Notification{Name: name, RunID: b.RunID, Payload: payload, At: now().UTC()})
}

// Recorder keeps every notification in memory. Tests use it to assert on emitted events.
type Recorder struct {
	mu   sync.Mutex
	list []Notification
}

func (r *Recorder) Emit(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, n)
}

func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification{}, r.list...)
}

// Names returns the names of recorded notifications in order.
func (r *Recorder) Names() []string {
	var out []string
	for _, n := range r.All() {
		out = append(out, n.Name)
	}
	return out
}
