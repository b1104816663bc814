package stages

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"

	"aegis/internal/completion"
	"aegis/internal/domain"
	"aegis/internal/record"
)

// Openers is the pool the first cycle draws its event from.
var Openers = []string{
	"Large numbers of users report login failures and #PlatformDown is trending. Sentiment is sharply negative and growing fast.",
	"In-app payments are failing. Several top creators complain they cannot receive tips and #PaymentsBroken is gaining traction.",
	"The core database failed over unexpectedly, causing site-wide content loading delays and inconsistent data.",
	"A major CDN node is under DDoS attack. Users in Asia-Pacific see severe slowdowns and complaints are flooding social media.",
}

const (
	escalationSuffix    = " The situation has escalated: complaints keep spreading and media attention is rising."
	fallbackDiagnosis   = "Technical diagnosis unavailable. Treat as a service degradation of unknown cause and begin standard triage."
	fallbackReview      = "Compliance review unavailable. Use only factual statements and avoid admitting liability before legal sign-off."
	fallbackFeedback    = "No reliable sentiment reading was available after execution."
	fallbackStrategyMsg = "We are aware of the issue and are working on a fix. We will share updates shortly."
)

func (s *Set) Observe(ctx context.Context, rec domain.IncidentRecord) record.Patch {
	if rec.Cycle == 0 || rec.EventDescription == nil {
		idx := rand.Intn(len(Openers))
		if s.Rand != nil {
			idx = s.Rand.Intn(len(Openers))
		}
		event := Openers[idx]
		s.Store.Auditf(domain.StageObserve, "new incident detected: %s", event)
		return record.Patch{EventDescription: &event}
	}

	prev := *rec.EventDescription
	prompt := completion.Prompt(completion.KindEscalate,
		"The incident below was not resolved. Describe in two sentences how it has escalated since, "+
			"for example media coverage, regulator attention or user churn.",
		completion.Section{Title: "current event", Body: prev},
	)
	event, fellBack := s.generate(ctx, domain.StageObserve, prompt, prev+escalationSuffix)
	if event == prev {
		event, fellBack = prev+escalationSuffix, true
	}
	s.Store.Auditf(domain.StageObserve, "escalation in cycle %d: %s%s", rec.Cycle, event, fallbackNote(fellBack))
	return record.Patch{EventDescription: &event}
}

func (s *Set) Diagnose(ctx context.Context, rec domain.IncidentRecord) record.Patch {
	action := "run a root-cause analysis of the technical failure and propose a fix"
	if !s.gate(ctx, domain.StageDiagnose, action, situation(rec), s.Timeouts.Approval) {
		return record.Patch{}
	}
	prompt := completion.Prompt(completion.KindDiagnose,
		"You are the chief technical diagnostician of a global social media platform. "+
			"Give the likely root cause, the impact, and concrete remediation steps.",
		completion.Section{Title: "reported symptoms", Body: value(rec.EventDescription, "unknown")},
	)
	text, fellBack := s.generate(ctx, domain.StageDiagnose, prompt, fallbackDiagnosis)
	s.Store.Auditf(domain.StageDiagnose, "diagnosis: %s%s", clip(text, 120), fallbackNote(fellBack))
	return record.Patch{Diagnosis: &text}
}

func (s *Set) Strategize(ctx context.Context, rec domain.IncidentRecord) record.Patch {
	action := "draft external communication options"
	if !s.gate(ctx, domain.StageStrategize, action, situation(rec), s.Timeouts.Approval) {
		return record.Patch{}
	}
	prompt := completion.Prompt(completion.KindStrategize,
		`You are the head of communications. Propose three public statements for the incident.
Respond with JSON only: {"sincere":{"message":"...","strategy":"..."},"reassuring":{...},"deflecting":{...}}`,
		completion.Section{Title: "event", Body: value(rec.EventDescription, "unknown")},
		completion.Section{Title: "diagnosis", Body: value(rec.Diagnosis, "not available")},
	)
	text, fellBack := s.generate(ctx, domain.StageStrategize, prompt, "")
	var cs domain.CommStrategy
	switch {
	case fellBack:
		cs = fallbackStrategy()
	default:
		if opts, ok := parseStances(text); ok {
			cs = domain.CommStrategy{Options: opts}
		} else {
			cs = domain.CommStrategy{Text: text}
		}
	}
	form := "structured"
	if cs.Options == nil {
		form = "text"
	}
	s.Store.Auditf(domain.StageStrategize, "communication strategy drafted (%s)%s", form, fallbackNote(fellBack))
	return record.Patch{CommStrategy: &cs}
}

func fallbackStrategy() domain.CommStrategy {
	opts := map[string]domain.Stance{}
	for _, name := range domain.StanceNames {
		opts[name] = domain.Stance{Message: fallbackStrategyMsg, Strategy: "Hold a neutral line until facts are confirmed."}
	}
	return domain.CommStrategy{Options: opts}
}

// parseStances accepts the stance JSON, tolerating a fenced block.
func parseStances(text string) (map[string]domain.Stance, bool) {
	raw := strings.TrimSpace(text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	var out map[string]domain.Stance
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil || len(out) == 0 {
		return nil, false
	}
	for _, name := range domain.StanceNames {
		if _, ok := out[name]; !ok {
			return nil, false
		}
	}
	return out, true
}

func (s *Set) Review(ctx context.Context, rec domain.IncidentRecord) record.Patch {
	action := "review the communication options for legal and compliance risk"
	if !s.gate(ctx, domain.StageReview, action, situation(rec), s.Timeouts.Approval) {
		return record.Patch{}
	}
	strategy := "not available"
	if rec.CommStrategy != nil {
		strategy = rec.UnitStatus(domain.UnitPR)
	}
	prompt := completion.Prompt(completion.KindReview,
		"You are the legal counsel. Assess liability and regulatory exposure of each option and recommend the safest wording.",
		completion.Section{Title: "event", Body: value(rec.EventDescription, "unknown")},
		completion.Section{Title: "communication options", Body: strategy},
	)
	text, fellBack := s.generate(ctx, domain.StageReview, prompt, fallbackReview)
	s.Store.Auditf(domain.StageReview, "compliance review: %s%s", clip(text, 120), fallbackNote(fellBack))
	return record.Patch{ComplianceReview: &text}
}

func (s *Set) Feedback(ctx context.Context, rec domain.IncidentRecord) record.Patch {
	var results strings.Builder
	if dispatchRefused(rec) {
		results.WriteString("none, dispatch was refused this cycle\n")
	} else {
		for _, u := range domain.Units {
			if r, ok := rec.ExecutionResults[u]; ok {
				results.WriteString(string(u) + ": " + r + "\n")
			}
		}
	}
	prompt := completion.Prompt(completion.KindFeedback,
		"You monitor public sentiment. Describe in two sentences how users and media reacted to the actions taken.",
		completion.Section{Title: "event", Body: value(rec.EventDescription, "unknown")},
		completion.Section{Title: "actions taken", Body: results.String()},
	)
	text, fellBack := s.generate(ctx, domain.StageFeedback, prompt, fallbackFeedback)
	s.Store.Auditf(domain.StageFeedback, "sentiment feedback: %s%s", clip(text, 120), fallbackNote(fellBack))
	return record.Patch{Feedback: &text}
}

// dispatchRefused reports whether the latest dispatch request was rejected. A refused
// dispatch leaves the previous cycle's ExecutionResults in the record.
func dispatchRefused(rec domain.IncidentRecord) bool {
	for i := len(rec.ApprovalRequests) - 1; i >= 0; i-- {
		if req := rec.ApprovalRequests[i]; req.Requester == domain.StageDispatch {
			return req.Status == domain.ApprovalRejected
		}
	}
	return false
}
