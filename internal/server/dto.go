package server

import (
	"encoding/json"
	"time"

	"aegis/internal/app"
	"aegis/internal/domain"
	"aegis/internal/events"
	"aegis/internal/record"
)

// Request payloads

type StartRunRequest struct {
	Directive string `json:"directive,omitempty" doc:"Directive queued for the first decide stage"`
}

type DirectiveRequest struct {
	Directive string `json:"directive" minLength:"1"`
}

type DecisionRequest struct {
	RequestID string       `json:"request_id,omitempty" doc:"Approval request id; takes precedence over requester"`
	Requester domain.Stage `json:"requester,omitempty" enum:"observe,diagnose,strategize,review,decide,dispatch,feedback,check"`
	Approved  bool         `json:"approved"`
}

type ResolutionRequest struct {
	Resolved bool `json:"resolved"`
}

// Response payloads

type RunResponse struct {
	domain.Run
	Stage string `json:"stage"`
}

type RunDetailResponse struct {
	RunResponse
	Record            domain.IncidentRecord `json:"record"`
	CompletionSuccess int64                 `json:"completion_successes"`
	CompletionFailure int64                 `json:"completion_failures"`
	StageCounts       []StageCountResponse  `json:"stage_counts"`
}

type StageCountResponse struct {
	Stage string `json:"stage"`
	Count int    `json:"count"`
}

type DeliveryResponse struct {
	Delivery string `json:"delivery" enum:"consumed,queued"`
}

type DecisionResponse struct {
	Applied bool `json:"applied" doc:"False when the request was already decided or unknown"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedRuns struct {
	Items []domain.Run `json:"items"`
}

// StreamEvent is one server-sent notification of a live run.
type StreamEvent struct {
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	At      string         `json:"at" format:"date-time"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Conversion helpers

func runResponse(run *app.Run) RunResponse {
	return RunResponse{Run: run.Info(), Stage: string(run.Stage())}
}

func runDetailResponse(run *app.Run) RunDetailResponse {
	rec := run.Record()
	ok, failed := run.Engine.CompletionStats()
	counts := []StageCountResponse{}
	for _, c := range record.StageCounts(rec.AuditLog) {
		counts = append(counts, StageCountResponse{Stage: string(c.Stage), Count: c.Count})
	}
	rec.ParsedTasks = nonNilSlice(rec.ParsedTasks)
	rec.ApprovalRequests = nonNilSlice(rec.ApprovalRequests)
	rec.AuditLog = nonNilSlice(rec.AuditLog)
	if rec.ExecutionResults == nil {
		rec.ExecutionResults = map[domain.Unit]string{}
	}
	return RunDetailResponse{
		RunResponse:       runResponse(run),
		Record:            rec,
		CompletionSuccess: ok,
		CompletionFailure: failed,
		StageCounts:       counts,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		RunID:   e.RunID,
		Payload: decodeJSONMap(strPtr(e.Payload)),
	}
}

func streamEvent(n events.Notification) StreamEvent {
	return StreamEvent{
		Type:    n.Name,
		RunID:   n.RunID,
		At:      n.At.UTC().Format(time.RFC3339Nano),
		Payload: n.Payload,
	}
}

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
