package aegissdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Aegis HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Run is the run summary returned by most run endpoints.
type Run struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Stage         string `json:"stage"`
	Cycles        int    `json:"cycles"`
	Resolved      bool   `json:"resolved"`
	Retrospective string `json:"retrospective,omitempty"`
	Error         string `json:"error,omitempty"`
	StartedAt     string `json:"started_at"`
	EndedAt       string `json:"ended_at,omitempty"`
}

// Finished reports whether the run has left the running state.
func (r Run) Finished() bool { return r.Status != "" && r.Status != "running" }

// Task is one parsed directive task.
type Task struct {
	Unit   string `json:"unit"`
	Action string `json:"action"`
}

// ApprovalRequest is a gated stage's request for a decision.
type ApprovalRequest struct {
	ID          string `json:"id"`
	Requester   string `json:"requester"`
	Action      string `json:"action"`
	Rationale   string `json:"rationale"`
	Status      string `json:"status"`
	DecidedBy   string `json:"decided_by,omitempty"`
	RequestedAt string `json:"requested_at"`
	DecidedAt   string `json:"decided_at,omitempty"`
}

// AuditEntry is one line of a run's audit log.
type AuditEntry struct {
	Seq   int    `json:"seq"`
	At    string `json:"at"`
	Cycle int    `json:"cycle"`
	Stage string `json:"stage"`
	Text  string `json:"text"`
}

// Record is the incident record (partial).
type Record struct {
	Cycle            int               `json:"cycle"`
	EventDescription string            `json:"event_description,omitempty"`
	Diagnosis        string            `json:"diagnosis,omitempty"`
	ComplianceReview string            `json:"compliance_review,omitempty"`
	Directive        string            `json:"directive,omitempty"`
	DirectiveSource  string            `json:"directive_source,omitempty"`
	ParsedTasks      []Task            `json:"parsed_tasks"`
	ExecutionResults map[string]string `json:"execution_results"`
	Feedback         string            `json:"feedback,omitempty"`
	Resolved         bool              `json:"resolved"`
	ApprovalRequests []ApprovalRequest `json:"approval_requests"`
	AuditLog         []AuditEntry      `json:"audit_log"`
	Retrospective    string            `json:"retrospective,omitempty"`
}

// RunDetail is a run with its record.
type RunDetail struct {
	Run
	Record Record `json:"record"`
}

// Event represents a notification log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// StartRun starts an incident run, optionally with a directive for the first decide stage.
func (c *Client) StartRun(ctx context.Context, directive string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs", map[string]any{"directive": directive}, &resp)
	return resp, err
}

// GetRun fetches a live run with its record.
func (c *Client) GetRun(ctx context.Context, id string) (RunDetail, error) {
	var resp RunDetail
	err := c.do(ctx, http.MethodGet, c.runPath(id, ""), nil, &resp)
	return resp, err
}

// ListRuns lists the runs of the server process.
func (c *Client) ListRuns(ctx context.Context, status string) ([]Run, error) {
	endpoint := "runs"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// SubmitDirective hands a directive to the run. The result is "consumed" or "queued".
func (c *Client) SubmitDirective(ctx context.Context, runID, directive string) (string, error) {
	var resp struct {
		Delivery string `json:"delivery"`
	}
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "directives"), map[string]any{"directive": directive}, &resp)
	return resp.Delivery, err
}

// Decide approves or rejects the approval request with the given id.
func (c *Client) Decide(ctx context.Context, runID, requestID string, approved bool) (bool, error) {
	return c.decide(ctx, runID, map[string]any{"request_id": requestID, "approved": approved})
}

// DecideFor approves or rejects the pending request of a requester stage.
func (c *Client) DecideFor(ctx context.Context, runID, requester string, approved bool) (bool, error) {
	return c.decide(ctx, runID, map[string]any{"requester": requester, "approved": approved})
}

func (c *Client) decide(ctx context.Context, runID string, body map[string]any) (bool, error) {
	var resp struct {
		Applied bool `json:"applied"`
	}
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "decisions"), body, &resp)
	return resp.Applied, err
}

// Resolve reports whether the incident is resolved.
func (c *Client) Resolve(ctx context.Context, runID string, resolved bool) (string, error) {
	var resp struct {
		Delivery string `json:"delivery"`
	}
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "resolution"), map[string]any{"resolved": resolved}, &resp)
	return resp.Delivery, err
}

// Stop stops a run.
func (c *Client) Stop(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "stop"), nil, &resp)
	return resp, err
}

// Approvals lists approval requests of a run, filtered by status when set.
func (c *Client) Approvals(ctx context.Context, runID, status string) ([]ApprovalRequest, error) {
	endpoint := c.runPath(runID, "approvals")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []ApprovalRequest `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Audit returns the audit log of a live or archived run.
func (c *Client) Audit(ctx context.Context, runID string) ([]AuditEntry, error) {
	var resp struct {
		Items []AuditEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.runPath(runID, "audit"), nil, &resp)
	return resp.Items, err
}

// Archived lists archived runs.
func (c *Client) Archived(ctx context.Context, limit int) ([]Run, error) {
	endpoint := "archive"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// WaitFinished polls until the run leaves the running state or ctx ends.
func (c *Client) WaitFinished(ctx context.Context, runID string, every time.Duration) (RunDetail, error) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil || run.Finished() {
			return run, err
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Events returns recent notifications.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "", "")
	return page.Items, err
}

// EventsPage returns a paginated notification listing, optionally for one run.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor, runID string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if runID != "" {
		q.Set("run_id", runID)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) runPath(id, sub string) string {
	p := "runs/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
