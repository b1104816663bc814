// Package stages implements the transformations the workflow engine runs each cycle.
// Every stage reads an immutable record snapshot and returns a patch restricted to the
// fields it owns. Audit entries go straight to the record store.
package stages

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"aegis/internal/approval"
	"aegis/internal/completion"
	"aegis/internal/dispatch"
	"aegis/internal/domain"
	"aegis/internal/memory"
	"aegis/internal/record"
	"aegis/internal/signal"
)

// Func is one stage.
type Func func(ctx context.Context, rec domain.IncidentRecord) record.Patch

type Timeouts struct {
	Approval           time.Duration
	AutonomousApproval time.Duration
	DirectiveWait      time.Duration
	ResolutionWait     time.Duration
}

// Set holds the collaborators shared by all stages of a run.
type Set struct {
	Store       *record.Store
	Gateway     *approval.Gateway
	Completer   completion.Completer
	Dispatcher  dispatch.Dispatcher
	Directives  *signal.Mailbox[string]
	Resolutions *signal.Mailbox[bool]
	Memory      *memory.Bank
	Timeouts    Timeouts
	MaxTasks    int
	SampleSize  int
	Rand        *rand.Rand
	Logger      *slog.Logger
}

func (s *Set) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// For returns the stage function for id, or nil for ids that are not stages.
func (s *Set) For(id domain.Stage) Func {
	switch id {
	case domain.StageObserve:
		return s.Observe
	case domain.StageDiagnose:
		return s.Diagnose
	case domain.StageStrategize:
		return s.Strategize
	case domain.StageReview:
		return s.Review
	case domain.StageDecide:
		return s.Decide
	case domain.StageDispatch:
		return s.Dispatch
	case domain.StageFeedback:
		return s.Feedback
	case domain.StageCheck:
		return s.Check
	case domain.StageRetrospective:
		return s.Retrospective
	}
	return nil
}

// gate asks for approval and records a refusal. It reports whether the stage may proceed.
func (s *Set) gate(ctx context.Context, stage domain.Stage, action, situation string, timeout time.Duration) bool {
	req := s.Gateway.Request(ctx, stage, action, situation)
	if s.Gateway.Await(ctx, req, timeout) {
		return true
	}
	s.Store.Auditf(stage, "refused by decision-maker, skipped: %s", action)
	s.logger().Info("stage refused", "stage", stage)
	return false
}

// generate calls the completion port and substitutes fallback on failure.
func (s *Set) generate(ctx context.Context, stage domain.Stage, prompt, fallback string) (string, bool) {
	if s.Completer == nil {
		return fallback, true
	}
	text, err := s.Completer.Complete(ctx, prompt)
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		s.logger().Warn("generation fallback", "stage", stage, "err", err)
		return fallback, true
	}
	return text, false
}

func fallbackNote(fellBack bool) string {
	if fellBack {
		return " [fallback used]"
	}
	return ""
}

func clip(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}

func value(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}

func situation(rec domain.IncidentRecord) string {
	return fmt.Sprintf("cycle %d: %s", rec.Cycle, value(rec.EventDescription, "no event description"))
}
