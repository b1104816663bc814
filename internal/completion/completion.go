// Package completion is the text-completion port used by every stage.
package completion

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
)

var ErrUnavailable = errors.New("completion unavailable")

// Completer turns a prompt into text. Implementations may fail or be slow.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to Completer.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Complete(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

// Kind identifies what a prompt asks for. It is written on the first line of every prompt.
type Kind string

const (
	KindRationale     Kind = "approval_rationale"
	KindEscalate      Kind = "escalate_event"
	KindDiagnose      Kind = "diagnose"
	KindStrategize    Kind = "comm_strategy"
	KindReview        Kind = "compliance_review"
	KindDirective     Kind = "autonomous_directive"
	KindParse         Kind = "parse_directive"
	KindExecute       Kind = "execute_task"
	KindFeedback      Kind = "feedback"
	KindRetrospective Kind = "retrospective"
)

type Section struct {
	Title string
	Body  string
}

const taskPrefix = "TASK: "

// Prompt renders a prompt: the kind line, the instructions, then titled sections.
func Prompt(kind Kind, instructions string, sections ...Section) string {
	var b strings.Builder
	b.WriteString(taskPrefix + string(kind) + "\n")
	b.WriteString(strings.TrimSpace(instructions))
	b.WriteString("\n")
	for _, s := range sections {
		b.WriteString("\n### " + strings.ToUpper(s.Title) + "\n")
		b.WriteString(strings.TrimSpace(s.Body))
		b.WriteString("\n")
	}
	return b.String()
}

// KindOf reads the kind line of a prompt built with Prompt.
func KindOf(prompt string) Kind {
	line, _, _ := strings.Cut(prompt, "\n")
	if !strings.HasPrefix(line, taskPrefix) {
		return ""
	}
	return Kind(strings.TrimSpace(strings.TrimPrefix(line, taskPrefix)))
}

// SectionOf returns the body of the titled section, or "" when absent.
func SectionOf(prompt, title string) string {
	marker := "\n### " + strings.ToUpper(title) + "\n"
	_, rest, ok := strings.Cut(prompt, marker)
	if !ok {
		return ""
	}
	if i := strings.Index(rest, "\n### "); i >= 0 {
		rest = rest[:i]
	}
	return strings.TrimSpace(rest)
}

// Tracker counts outcomes of a wrapped Completer so a run can detect total unavailability.
type Tracker struct {
	Next      Completer
	successes atomic.Int64
	failures  atomic.Int64
}

func Track(next Completer) *Tracker { return &Tracker{Next: next} }

func (t *Tracker) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := t.Next.Complete(ctx, prompt)
	if err != nil {
		t.failures.Add(1)
		return "", err
	}
	t.successes.Add(1)
	return out, nil
}

func (t *Tracker) Successes() int64 { return t.successes.Load() }
func (t *Tracker) Failures() int64  { return t.failures.Load() }

// Unavailable reports whether at least threshold calls failed and none succeeded.
// A non-positive threshold disables the check.
func (t *Tracker) Unavailable(threshold int) bool {
	if threshold <= 0 {
		return false
	}
	return t.successes.Load() == 0 && t.failures.Load() >= int64(threshold)
}
