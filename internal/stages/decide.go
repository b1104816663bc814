package stages

import (
	"context"
	"fmt"
	"strings"

	"aegis/internal/completion"
	"aegis/internal/directive"
	"aegis/internal/domain"
	"aegis/internal/record"
)

const fallbackDirective = "Stabilise the affected systems, publish a holding statement, and monitor public sentiment."

// Decide takes an external directive if one arrives within the directive wait, otherwise
// synthesises one autonomously, then decomposes it into tasks.
func (s *Set) Decide(ctx context.Context, rec domain.IncidentRecord) record.Patch {
	source := domain.DirectiveExternal
	text, ok := s.Directives.Await(ctx, s.Timeouts.DirectiveWait)
	text = strings.TrimSpace(text)
	fellBack := false
	if !ok || text == "" {
		source = domain.DirectiveAutonomous
		text, fellBack = s.autonomousDirective(ctx, rec)
	}

	tasks, parseErr := s.parse(ctx, text)
	var b strings.Builder
	fmt.Fprintf(&b, "%s directive: %s%s; ", source, clip(text, 160), fallbackNote(fellBack))
	if parseErr != nil {
		fmt.Fprintf(&b, "parse failure, no tasks: %v", parseErr)
		tasks = []domain.Task{}
	} else {
		units := make([]string, 0, len(tasks))
		for _, t := range tasks {
			units = append(units, string(t.Unit))
		}
		fmt.Fprintf(&b, "parsed into %d task(s) [%s]", len(tasks), strings.Join(units, ", "))
	}
	s.Store.Audit(domain.StageDecide, b.String())
	return record.Patch{
		Directive:       &text,
		DirectiveSource: &source,
		ParsedTasks:     &tasks,
	}
}

func (s *Set) autonomousDirective(ctx context.Context, rec domain.IncidentRecord) (string, bool) {
	var history strings.Builder
	if s.Memory != nil {
		for _, e := range s.Memory.Sample(value(rec.EventDescription, ""), s.SampleSize) {
			history.WriteString("- " + e.String() + "\n")
		}
	}
	if history.Len() == 0 {
		history.WriteString("none")
	}
	prompt := completion.Prompt(completion.KindDirective,
		"No commander is available. Acting as the commander's stand-in, issue one directive for this cycle "+
			"naming what the technical, communications, sentiment and legal teams must do. Reply with the directive only.",
		completion.Section{Title: "event", Body: value(rec.EventDescription, "unknown")},
		completion.Section{Title: "diagnosis", Body: value(rec.Diagnosis, "not available")},
		completion.Section{Title: "compliance review", Body: value(rec.ComplianceReview, "not available")},
		completion.Section{Title: "past experience", Body: history.String()},
	)
	return s.generate(ctx, domain.StageDecide, prompt, fallbackDirective)
}

func (s *Set) parse(ctx context.Context, text string) ([]domain.Task, error) {
	if s.Completer == nil {
		return nil, fmt.Errorf("%w: no completer", directive.ErrParse)
	}
	prompt := completion.Prompt(completion.KindParse, directive.Instructions(),
		completion.Section{Title: "directive", Body: text},
	)
	raw, err := s.Completer.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: generation failed: %v", directive.ErrParse, err)
	}
	return directive.Parse(raw, s.MaxTasks)
}
