// Package record owns the incident record of a single run and serializes every write to it.
package record

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"aegis/internal/domain"
)

var (
	ErrUnknownApproval = errors.New("unknown approval request")
	ErrAlreadyDecided  = errors.New("approval request already decided")
)

// Patch is a partial record update returned by a stage. A nil field is left untouched.
type Patch struct {
	EventDescription *string
	Diagnosis        *string
	CommStrategy     *domain.CommStrategy
	ComplianceReview *string
	Directive        *string
	DirectiveSource  *domain.DirectiveSource
	ParsedTasks      *[]domain.Task
	ExecutionResults map[domain.Unit]string
	Feedback         *string
	Resolved         *bool
	Retrospective    *string
}

type field string

const (
	fieldEventDescription field = "event_description"
	fieldDiagnosis        field = "diagnosis"
	fieldCommStrategy     field = "comm_strategy"
	fieldComplianceReview field = "compliance_review"
	fieldDirective        field = "directive"
	fieldDirectiveSource  field = "directive_source"
	fieldParsedTasks      field = "parsed_tasks"
	fieldExecutionResults field = "execution_results"
	fieldFeedback         field = "feedback"
	fieldResolved         field = "resolved"
	fieldRetrospective    field = "retrospective"
)

var ownership = map[domain.Stage][]field{
	domain.StageObserve:       {fieldEventDescription},
	domain.StageDiagnose:      {fieldDiagnosis},
	domain.StageStrategize:    {fieldCommStrategy},
	domain.StageReview:        {fieldComplianceReview},
	domain.StageDecide:        {fieldDirective, fieldDirectiveSource, fieldParsedTasks},
	domain.StageDispatch:      {fieldExecutionResults},
	domain.StageFeedback:      {fieldFeedback},
	domain.StageCheck:         {fieldResolved},
	domain.StageRetrospective: {fieldRetrospective},
}

// Owns reports whether stage is allowed to write the named field.
func Owns(stage domain.Stage, name string) bool {
	for _, f := range ownership[stage] {
		if string(f) == name {
			return true
		}
	}
	return false
}

func (p Patch) fields() []field {
	var out []field
	if p.EventDescription != nil {
		out = append(out, fieldEventDescription)
	}
	if p.Diagnosis != nil {
		out = append(out, fieldDiagnosis)
	}
	if p.CommStrategy != nil {
		out = append(out, fieldCommStrategy)
	}
	if p.ComplianceReview != nil {
		out = append(out, fieldComplianceReview)
	}
	if p.Directive != nil {
		out = append(out, fieldDirective)
	}
	if p.DirectiveSource != nil {
		out = append(out, fieldDirectiveSource)
	}
	if p.ParsedTasks != nil {
		out = append(out, fieldParsedTasks)
	}
	if p.ExecutionResults != nil {
		out = append(out, fieldExecutionResults)
	}
	if p.Feedback != nil {
		out = append(out, fieldFeedback)
	}
	if p.Resolved != nil {
		out = append(out, fieldResolved)
	}
	if p.Retrospective != nil {
		out = append(out, fieldRetrospective)
	}
	return out
}

// Empty reports whether the patch writes nothing.
func (p Patch) Empty() bool { return len(p.fields()) == 0 }

// Store guards the incident record. Reads return deep copies.
type Store struct {
	mu  sync.Mutex
	rec domain.IncidentRecord
	seq int
	Now func() time.Time
}

func New() *Store {
	return &Store{rec: domain.NewIncidentRecord(), Now: time.Now}
}

func (s *Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339Nano)
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Snapshot returns an immutable copy of the current record.
func (s *Store) Snapshot() domain.IncidentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Clone()
}

// Cycle returns the current cycle number.
func (s *Store) Cycle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Cycle
}

// Apply merges a stage's patch. Writing outside the stage's owned fields panics.
func (s *Store) Apply(stage domain.Stage, p Patch) {
	fields := p.fields()
	for _, f := range fields {
		if !Owns(stage, string(f)) {
			panic(fmt.Sprintf("record: stage %s may not write %s", stage, f))
		}
	}
	if len(fields) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &s.rec
	if p.EventDescription != nil {
		r.EventDescription = domain.Ptr(*p.EventDescription)
	}
	if p.Diagnosis != nil {
		r.Diagnosis = domain.Ptr(*p.Diagnosis)
	}
	if p.CommStrategy != nil {
		cs := domain.IncidentRecord{CommStrategy: p.CommStrategy}.Clone().CommStrategy
		r.CommStrategy = cs
	}
	if p.ComplianceReview != nil {
		r.ComplianceReview = domain.Ptr(*p.ComplianceReview)
	}
	if p.Directive != nil {
		r.Directive = domain.Ptr(*p.Directive)
	}
	if p.DirectiveSource != nil {
		r.DirectiveSource = *p.DirectiveSource
	}
	if p.ParsedTasks != nil {
		r.ParsedTasks = append([]domain.Task{}, (*p.ParsedTasks)...)
	}
	if p.ExecutionResults != nil {
		results := make(map[domain.Unit]string, len(p.ExecutionResults))
		for k, v := range p.ExecutionResults {
			results[k] = v
		}
		r.ExecutionResults = results
	}
	if p.Feedback != nil {
		r.Feedback = domain.Ptr(*p.Feedback)
	}
	if p.Resolved != nil {
		r.Resolved = *p.Resolved
	}
	if p.Retrospective != nil {
		r.Retrospective = domain.Ptr(*p.Retrospective)
	}
}

// Audit appends one immutable entry to the audit log and returns it.
func (s *Store) Audit(stage domain.Stage, text string) domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	entry := domain.AuditEntry{
		Seq:   s.seq,
		At:    s.now(),
		Cycle: s.rec.Cycle,
		Stage: stage,
		Text:  text,
	}
	s.rec.AuditLog = append(s.rec.AuditLog, entry)
	return entry
}

// Auditf is Audit with formatting.
func (s *Store) Auditf(stage domain.Stage, format string, args ...any) domain.AuditEntry {
	return s.Audit(stage, fmt.Sprintf(format, args...))
}

// AuditLog returns a copy of the audit log.
func (s *Store) AuditLog() []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEntry{}, s.rec.AuditLog...)
}

// AppendApproval adds a request to the approval history.
func (s *Store) AppendApproval(req domain.ApprovalRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.DecidedAt = nil
	if req.Status == "" {
		req.Status = domain.ApprovalPending
	}
	s.rec.ApprovalRequests = append(s.rec.ApprovalRequests, req)
}

// ResolveApproval writes the terminal status of a pending request exactly once.
func (s *Store) ResolveApproval(id string, status domain.ApprovalStatus, by domain.Decider) (domain.ApprovalRequest, error) {
	if status != domain.ApprovalApproved && status != domain.ApprovalRejected {
		return domain.ApprovalRequest{}, fmt.Errorf("invalid approval status transition %s -> %s", domain.ApprovalPending, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rec.ApprovalRequests {
		req := &s.rec.ApprovalRequests[i]
		if req.ID != id {
			continue
		}
		if req.Status != domain.ApprovalPending {
			return *req, ErrAlreadyDecided
		}
		at := s.now()
		req.Status = status
		req.DecidedBy = by
		req.DecidedAt = &at
		return *req, nil
	}
	return domain.ApprovalRequest{}, ErrUnknownApproval
}

// Approvals returns a copy of the approval history.
func (s *Store) Approvals() []domain.ApprovalRequest {
	return s.Snapshot().ApprovalRequests
}

// AdvanceCycle increments the cycle by exactly one and returns the new value.
func (s *Store) AdvanceCycle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Cycle++
	return s.rec.Cycle
}

// StageCounts tallies audit entries per stage in first-seen order.
func StageCounts(log []domain.AuditEntry) []StageCount {
	idx := map[domain.Stage]int{}
	var out []StageCount
	for _, e := range log {
		i, ok := idx[e.Stage]
		if !ok {
			i = len(out)
			idx[e.Stage] = i
			out = append(out, StageCount{Stage: e.Stage})
		}
		out[i].Count++
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Count > out[b].Count })
	return out
}

type StageCount struct {
	Stage domain.Stage
	Count int
}
