package domain

import "strings"

// Unit is an execution domain that can be assigned a task.
type Unit string

const (
	UnitTech      Unit = "tech_dept"
	UnitPR        Unit = "pr_dept"
	UnitSentiment Unit = "sentiment_monitor"
	UnitLegal     Unit = "legal_dept"
)

// Units lists every known execution unit in a stable order.
var Units = []Unit{UnitTech, UnitPR, UnitSentiment, UnitLegal}

// ParseUnit returns the unit for a code, or false when the code is not part of the closed set.
func ParseUnit(code string) (Unit, bool) {
	u := Unit(strings.TrimSpace(code))
	for _, known := range Units {
		if u == known {
			return u, true
		}
	}
	return "", false
}

func (u Unit) Label() string {
	switch u {
	case UnitTech:
		return "technical department"
	case UnitPR:
		return "communications department"
	case UnitSentiment:
		return "sentiment monitoring"
	case UnitLegal:
		return "legal department"
	}
	return string(u)
}

type Stage string

const (
	StageObserve       Stage = "observe"
	StageDiagnose      Stage = "diagnose"
	StageStrategize    Stage = "strategize"
	StageReview        Stage = "review"
	StageDecide        Stage = "decide"
	StageDispatch      Stage = "dispatch"
	StageFeedback      Stage = "feedback"
	StageCheck         Stage = "check"
	StageRetrospective Stage = "retrospective"
	StageEnd           Stage = "end"
	// StageGateway marks audit entries written by the approval gateway.
	StageGateway Stage = "gateway"
	// StageEngine marks audit entries written by the workflow engine itself.
	StageEngine Stage = "engine"
	// StageIntake marks audit entries for directives and signals received out of band.
	StageIntake Stage = "intake"
)

// CycleStages is the fixed forward path of one cycle.
var CycleStages = []Stage{
	StageObserve, StageDiagnose, StageStrategize, StageReview,
	StageDecide, StageDispatch, StageFeedback, StageCheck,
}

type Task struct {
	Unit   Unit   `json:"unit" enum:"tech_dept,pr_dept,sentiment_monitor,legal_dept"`
	Action string `json:"action"`
}

type DirectiveSource string

const (
	DirectiveExternal   DirectiveSource = "external"
	DirectiveAutonomous DirectiveSource = "autonomous"
)

// Stance is one communication option produced by the strategize stage.
type Stance struct {
	Message  string `json:"message"`
	Strategy string `json:"strategy"`
}

// CommStrategy is structured when the generator returned the expected JSON, text otherwise.
type CommStrategy struct {
	Options map[string]Stance `json:"options,omitempty"`
	Text    string            `json:"text,omitempty"`
}

func (c CommStrategy) clone() CommStrategy {
	out := CommStrategy{Text: c.Text}
	if c.Options != nil {
		out.Options = make(map[string]Stance, len(c.Options))
		for k, v := range c.Options {
			out.Options[k] = v
		}
	}
	return out
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type Decider string

const (
	DecidedExternal Decider = "external"
	DecidedAuto     Decider = "auto"
)

type ApprovalRequest struct {
	ID          string         `json:"id"`
	Requester   Stage          `json:"requester"`
	Action      string         `json:"action"`
	Rationale   string         `json:"rationale"`
	Status      ApprovalStatus `json:"status" enum:"pending,approved,rejected"`
	DecidedBy   Decider        `json:"decided_by,omitempty"`
	RequestedAt string         `json:"requested_at" format:"date-time"`
	DecidedAt   *string        `json:"decided_at,omitempty" format:"date-time"`
}

type AuditEntry struct {
	Seq   int    `json:"seq"`
	At    string `json:"at" format:"date-time"`
	Cycle int    `json:"cycle"`
	Stage Stage  `json:"stage"`
	Text  string `json:"text"`
}

func (e AuditEntry) String() string {
	return "[" + e.At + "] (" + string(e.Stage) + ") " + e.Text
}

// IncidentRecord is the shared aggregate of one workflow run.
type IncidentRecord struct {
	Cycle            int               `json:"cycle"`
	EventDescription *string           `json:"event_description,omitempty"`
	Diagnosis        *string           `json:"diagnosis,omitempty"`
	CommStrategy     *CommStrategy     `json:"comm_strategy,omitempty"`
	ComplianceReview *string           `json:"compliance_review,omitempty"`
	Directive        *string           `json:"directive,omitempty"`
	DirectiveSource  DirectiveSource   `json:"directive_source,omitempty"`
	ParsedTasks      []Task            `json:"parsed_tasks"`
	ExecutionResults map[Unit]string   `json:"execution_results"`
	Feedback         *string           `json:"feedback,omitempty"`
	Resolved         bool              `json:"resolved"`
	ApprovalRequests []ApprovalRequest `json:"approval_requests"`
	AuditLog         []AuditEntry      `json:"audit_log"`
	Retrospective    *string           `json:"retrospective,omitempty"`
}

// NewIncidentRecord returns a record with every optional field unset.
func NewIncidentRecord() IncidentRecord {
	return IncidentRecord{
		ParsedTasks:      []Task{},
		ExecutionResults: map[Unit]string{},
		ApprovalRequests: []ApprovalRequest{},
		AuditLog:         []AuditEntry{},
	}
}

// Clone returns a deep copy that shares no memory with r.
func (r IncidentRecord) Clone() IncidentRecord {
	out := r
	out.EventDescription = cloneString(r.EventDescription)
	out.Diagnosis = cloneString(r.Diagnosis)
	out.ComplianceReview = cloneString(r.ComplianceReview)
	out.Directive = cloneString(r.Directive)
	out.Feedback = cloneString(r.Feedback)
	out.Retrospective = cloneString(r.Retrospective)
	if r.CommStrategy != nil {
		cs := r.CommStrategy.clone()
		out.CommStrategy = &cs
	}
	out.ParsedTasks = append([]Task{}, r.ParsedTasks...)
	out.ExecutionResults = make(map[Unit]string, len(r.ExecutionResults))
	for k, v := range r.ExecutionResults {
		out.ExecutionResults[k] = v
	}
	out.ApprovalRequests = make([]ApprovalRequest, len(r.ApprovalRequests))
	for i, req := range r.ApprovalRequests {
		req.DecidedAt = cloneString(req.DecidedAt)
		out.ApprovalRequests[i] = req
	}
	out.AuditLog = append([]AuditEntry{}, r.AuditLog...)
	return out
}

// UnitStatus is the status snapshot a unit sees when it executes a task.
func (r IncidentRecord) UnitStatus(u Unit) string {
	switch u {
	case UnitTech:
		return valueOr(r.Diagnosis, "no technical report")
	case UnitPR:
		if r.CommStrategy == nil {
			return "no communication strategy"
		}
		if r.CommStrategy.Text != "" {
			return r.CommStrategy.Text
		}
		var b strings.Builder
		for _, name := range StanceNames {
			if s, ok := r.CommStrategy.Options[name]; ok {
				b.WriteString(name + ": " + s.Strategy + "\n")
			}
		}
		return strings.TrimSpace(b.String())
	case UnitSentiment:
		return valueOr(r.EventDescription, "no event description")
	case UnitLegal:
		return valueOr(r.ComplianceReview, "no compliance review")
	}
	return ""
}

// StanceNames are the communication stances requested from the strategize stage.
var StanceNames = []string{"sincere", "reassuring", "deflecting"}

type Run struct {
	ID            string `json:"id"`
	Status        string `json:"status" enum:"running,completed,failed,stopped"`
	Cycles        int    `json:"cycles"`
	Resolved      bool   `json:"resolved"`
	Retrospective string `json:"retrospective,omitempty"`
	Error         string `json:"error,omitempty"`
	StartedAt     string `json:"started_at" format:"date-time"`
	EndedAt       string `json:"ended_at,omitempty" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	Payload string `json:"payload_json"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func valueOr(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
