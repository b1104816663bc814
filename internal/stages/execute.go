package stages

import (
	"context"
	"fmt"
	"strings"

	"aegis/internal/completion"
	"aegis/internal/domain"
	"aegis/internal/memory"
	"aegis/internal/record"
)

func (s *Set) Dispatch(ctx context.Context, rec domain.IncidentRecord) record.Patch {
	if len(rec.ParsedTasks) == 0 {
		s.Store.Audit(domain.StageDispatch, "no tasks to execute")
		return record.Patch{ExecutionResults: map[domain.Unit]string{}}
	}
	parts := make([]string, 0, len(rec.ParsedTasks))
	for _, t := range rec.ParsedTasks {
		parts = append(parts, string(t.Unit)+": "+t.Action)
	}
	action := "execute tasks: " + strings.Join(parts, "; ")
	timeout := s.Timeouts.Approval
	if rec.DirectiveSource == domain.DirectiveAutonomous {
		timeout = s.Timeouts.AutonomousApproval
	}
	if !s.gate(ctx, domain.StageDispatch, action, fmt.Sprintf("%d task(s) pending", len(rec.ParsedTasks)), timeout) {
		return record.Patch{}
	}
	out := s.Dispatcher.Run(ctx, rec.ParsedTasks, rec.UnitStatus)
	s.Store.Audit(domain.StageDispatch, out.Summary())
	return record.Patch{ExecutionResults: out.Results}
}

// Check consumes the resolution signal. Without a signal the incident stays unresolved.
func (s *Set) Check(ctx context.Context, rec domain.IncidentRecord) record.Patch {
	resolved, ok := s.Resolutions.Await(ctx, s.Timeouts.ResolutionWait)
	switch {
	case !ok:
		resolved = false
		s.Store.Auditf(domain.StageCheck, "no resolution signal, incident unresolved; preparing cycle %d", rec.Cycle+1)
	case resolved:
		s.Store.Audit(domain.StageCheck, "commander confirmed the incident is resolved")
	default:
		s.Store.Auditf(domain.StageCheck, "commander reports incident unresolved; preparing cycle %d", rec.Cycle+1)
	}
	if s.Memory != nil {
		s.Memory.Add(memory.Experience{
			Cycle:     rec.Cycle,
			Event:     value(rec.EventDescription, ""),
			Directive: value(rec.Directive, ""),
			Outcome:   clip(value(rec.Feedback, "no feedback"), 200),
			Resolved:  resolved,
		})
	}
	return record.Patch{Resolved: &resolved}
}

func (s *Set) Retrospective(ctx context.Context, rec domain.IncidentRecord) record.Patch {
	log := s.Store.AuditLog()
	lines := make([]string, 0, len(log))
	for _, e := range log {
		lines = append(lines, e.String())
	}
	prompt := completion.Prompt(completion.KindRetrospective,
		"Write a post-incident retrospective: timeline, what worked, what failed, and three concrete follow-ups.",
		completion.Section{Title: "event", Body: value(rec.EventDescription, "unknown")},
		completion.Section{Title: "audit log", Body: strings.Join(lines, "\n")},
	)
	text, fellBack := s.generate(ctx, domain.StageRetrospective, prompt, fallbackRetrospective(rec, log))
	s.Store.Auditf(domain.StageRetrospective, "retrospective produced from %d audit entries%s", len(log), fallbackNote(fellBack))
	return record.Patch{Retrospective: &text}
}

func fallbackRetrospective(rec domain.IncidentRecord, log []domain.AuditEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident closed after %d cycle(s) with %d audit entries.\n", rec.Cycle+1, len(log))
	for _, c := range record.StageCounts(log) {
		fmt.Fprintf(&b, "- %s: %d entries\n", c.Stage, c.Count)
	}
	return strings.TrimSpace(b.String())
}
