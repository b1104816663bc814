package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"aegis/internal/app"
	"aegis/internal/domain"
	"aegis/internal/events"
	"aegis/internal/repo"
	"aegis/internal/signal"
)

// Config for the HTTP API handler.
type Config struct {
	Manager *app.Manager
	// Repo serves the notification log and run archive. Those routes answer 503 when nil.
	Repo *repo.Repo
	// Hub must be the hub the manager emits into; the stream route is omitted when nil.
	Hub      *events.Hub
	BasePath string
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"intake_full"`
	Message string         `json:"message" example:"mailbox full"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"run_id\":\"5f1c\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Aegis API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Manager == nil {
		return nil, errors.New("server: manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Repo == nil {
		cfg.Repo = cfg.Manager.Repo
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Logger))
	hcfg := huma.DefaultConfig("Aegis API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRuns(group, cfg.Manager)
	registerSignals(group, cfg.Manager)
	if cfg.Hub != nil {
		registerStream(group, cfg.Manager, cfg.Hub)
	}
	registerEvents(group, cfg.Repo)
	registerArchive(group, cfg.Repo)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, app.ErrRunNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, signal.ErrMailboxFull):
		return newAPIError(http.StatusConflict, "intake_full", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Aegis API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type runPath struct {
	RunID string `path:"run_id"`
}

func registerRuns(api huma.API, m *app.Manager) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Start an incident run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body StartRunRequest `required:"false"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := m.Start(app.StartOptions{Directive: strings.TrimSpace(input.Body.Directive)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs of this process",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"running,completed,failed,stopped"`
	}) (*struct {
		Body paginatedRuns `json:"body"`
	}, error) {
		resp := paginatedRuns{Items: []domain.Run{}}
		for _, r := range m.List() {
			if input.Status != "" && r.Status != input.Status {
				continue
			}
			resp.Items = append(resp.Items, r)
		}
		return &struct {
			Body paginatedRuns `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get a run with its incident record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body RunDetailResponse `json:"body"`
	}, error) {
		run, err := m.Get(input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunDetailResponse `json:"body"`
		}{Body: runDetailResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-audit",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/audit",
		Summary:     "Audit log of a run",
		Description: "Serves live runs from memory and falls back to the archive.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Stage string `query:"stage"`
	}) (*struct {
		Body struct {
			Items []domain.AuditEntry `json:"items"`
		} `json:"body"`
	}, error) {
		var log []domain.AuditEntry
		run, err := m.Get(input.RunID)
		switch {
		case err == nil:
			log = run.Engine.Store.AuditLog()
		case errors.Is(err, app.ErrRunNotFound) && m.Repo != nil:
			log, err = m.Repo.RunAudit(ctx, input.RunID)
			if err != nil {
				return nil, handleError(err)
			}
		default:
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.AuditEntry `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = []domain.AuditEntry{}
		for _, e := range log {
			if input.Stage != "" && string(e.Stage) != input.Stage {
				continue
			}
			out.Body.Items = append(out.Body.Items, e)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/approvals",
		Summary:     "Approval requests of a run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID  string `path:"run_id"`
		Status string `query:"status" enum:"pending,approved,rejected"`
	}) (*struct {
		Body struct {
			Items []domain.ApprovalRequest `json:"items"`
		} `json:"body"`
	}, error) {
		run, err := m.Get(input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.ApprovalRequest `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = []domain.ApprovalRequest{}
		for _, req := range run.Engine.Store.Approvals() {
			if input.Status != "" && string(req.Status) != input.Status {
				continue
			}
			out.Body.Items = append(out.Body.Items, req)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/stop",
		Summary:     "Stop a run",
		Description: "Pending approvals resolve through the fallback and the run ends at the next stage boundary.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := m.Get(input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		run.Stop()
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})
}

func registerSignals(api huma.API, m *app.Manager) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-directive",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/directives",
		Summary:       "Submit a directive",
		Description:   "Consumed by a waiting decide stage, otherwise queued for the next one.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Body  DirectiveRequest
	}) (*struct {
		Body DeliveryResponse `json:"body"`
	}, error) {
		text := strings.TrimSpace(input.Body.Directive)
		if text == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "directive is required", nil)
		}
		run, err := m.Get(input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := run.SubmitDirective(text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliveryResponse `json:"body"`
		}{Body: DeliveryResponse{Delivery: string(d)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/decisions",
		Summary:     "Approve or reject a pending approval request",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Body  DecisionRequest
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if input.Body.RequestID == "" && input.Body.Requester == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "request_id or requester is required", nil)
		}
		run, err := m.Get(input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		applied := run.Decide(input.Body.RequestID, input.Body.Requester, input.Body.Approved)
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: DecisionResponse{Applied: applied}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-resolution",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/resolution",
		Summary:       "Report whether the incident is resolved",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Body  ResolutionRequest
	}) (*struct {
		Body DeliveryResponse `json:"body"`
	}, error) {
		run, err := m.Get(input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := run.Resolve(input.Body.Resolved)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliveryResponse `json:"body"`
		}{Body: DeliveryResponse{Delivery: string(d)}}, nil
	})
}

func registerStream(api huma.API, m *app.Manager, hub *events.Hub) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/stream",
		Summary:     "Stream live notifications of a run",
		Description: "The first message is a run.snapshot; the stream ends after the run finishes.",
	}, map[string]any{
		"notification": StreamEvent{},
		"error":        apiErrorBody{},
	}, func(ctx context.Context, input *runPath, send sse.Sender) {
		run, err := m.Get(input.RunID)
		if err != nil {
			send.Data(apiErrorBody{Code: "not_found", Message: err.Error()})
			return
		}
		ch, cancel := hub.Subscribe(run.ID())
		defer cancel()
		info := run.Info()
		snapshot := StreamEvent{
			Type:    "run.snapshot",
			RunID:   info.ID,
			At:      time.Now().UTC().Format(time.RFC3339Nano),
			Payload: map[string]any{"status": info.Status, "stage": string(run.Stage()), "cycle": info.Cycles - 1},
		}
		if err := send.Data(snapshot); err != nil {
			return
		}
		if info.Status != app.StatusRunning {
			return
		}
		relay(ctx, ch, run.Done(), func() StreamEvent { return closingEvent(run.Info()) }, send.Data)
	})
}

// relay forwards notifications until a terminal one is sent. Once the run is done the
// notifications still buffered are flushed; if the terminal one was dropped by the hub,
// closing provides a stand-in so the stream always ends.
func relay(ctx context.Context, ch <-chan events.Notification, done <-chan struct{}, closing func() StreamEvent, send func(any) error) {
	forward := func(n events.Notification) bool {
		if err := send(streamEvent(n)); err != nil {
			return true
		}
		return isTerminal(n.Name)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok || forward(n) {
				return
			}
		case <-done:
			for {
				select {
				case n, ok := <-ch:
					if !ok || forward(n) {
						return
					}
				default:
					_ = send(closing())
					return
				}
			}
		}
	}
}

func isTerminal(name string) bool {
	switch name {
	case events.RunCompleted, events.RunFailed, events.RunStopped:
		return true
	}
	return false
}

func closingEvent(info domain.Run) StreamEvent {
	name := events.RunFailed
	switch info.Status {
	case app.StatusCompleted:
		name = events.RunCompleted
	case app.StatusStopped:
		name = events.RunStopped
	}
	payload := map[string]any{"status": info.Status, "cycles": info.Cycles, "resolved": info.Resolved}
	if info.Error != "" {
		payload["error"] = info.Error
	}
	at := info.EndedAt
	if at == "" {
		at = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return StreamEvent{Type: name, RunID: info.ID, At: at, Payload: payload}
}

func registerEvents(api huma.API, r *repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent notifications",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		RunID  string `query:"run_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if r == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "notification log is not configured", nil)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := r.LatestEventsFrom(ctx, limit+1, cursorID, input.RunID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerArchive(api huma.API, r *repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-archived-runs",
		Method:      http.MethodGet,
		Path:        "/archive",
		Summary:     "List archived runs",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"running,completed,failed,stopped"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedRuns `json:"body"`
	}, error) {
		if r == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "run archive is not configured", nil)
		}
		runs, err := r.ListRuns(ctx, normalizeLimit(input.Limit), input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedRuns `json:"body"`
		}{Body: paginatedRuns{Items: nonNilSlice(runs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-archived-run",
		Method:      http.MethodGet,
		Path:        "/archive/{run_id}",
		Summary:     "Get an archived run",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		if r == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "run archive is not configured", nil)
		}
		run, err := r.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
