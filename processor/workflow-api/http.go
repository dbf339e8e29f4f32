package workflowapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	workfloworchestrator "github.com/c360studio/semforge/processor/workflow-orchestrator"
	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/orchestrator"
)

// RegisterHTTPHandlers registers the workflow routes under prefix.
// The prefix includes the trailing slash (e.g., "/api/").
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc("GET "+prefix+"stages", c.handleListStages)
	mux.HandleFunc("GET "+prefix+"openapi.json", c.handleOpenAPI)

	mux.HandleFunc("POST "+prefix+"workflows", c.handleCreate)
	mux.HandleFunc("GET "+prefix+"workflows", c.handleList)
	mux.HandleFunc("GET "+prefix+"workflows/{id}", c.handleGet)
	mux.HandleFunc("PUT "+prefix+"workflows/{id}", c.handleReplace)
	mux.HandleFunc("GET "+prefix+"workflows/{id}/handoff", c.handleHandoff)
	mux.HandleFunc("POST "+prefix+"workflows/{id}/reports", c.handleReport)
	mux.HandleFunc("POST "+prefix+"workflows/{id}/decisions", c.handleDecision)
}

// CreateResponse is returned when a workflow starts.
type CreateResponse struct {
	WorkflowID string              `json:"workflow_id"`
	Result     orchestrator.Result `json:"result"`
}

// WorkflowSummary is one entry of the workflow listing.
type WorkflowSummary struct {
	ID            string             `json:"workflow_id"`
	ProductName   string             `json:"product_name"`
	ProjectType   string             `json:"project_type"`
	Mode          workflow.Mode      `json:"execution_mode"`
	CurrentStage  workflow.StageID   `json:"current_stage"`
	Escalated     bool               `json:"escalated"`
	OpenIssues    int                `json:"open_issues"`
	AwaitingHuman []workflow.StageID `json:"awaiting_human,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// DecisionBody is the request body of the decisions route. Extension is a
// duration string such as "45m".
type DecisionBody struct {
	Stage     workflow.StageID    `json:"stage,omitempty"`
	Action    orchestrator.Action `json:"action"`
	Details   string              `json:"details,omitempty"`
	Actor     string              `json:"actor,omitempty"`
	IssueID   string              `json:"issue_id,omitempty"`
	Extension string              `json:"extension,omitempty"`
}

// StageView describes one stage of the graph.
type StageView struct {
	ID          workflow.StageID   `json:"id"`
	Role        workflow.Role      `json:"role"`
	Phase       workflow.Phase     `json:"phase"`
	Cohort      workflow.CohortID  `json:"cohort,omitempty"`
	Required    bool               `json:"required"`
	ReviewPoint bool               `json:"review_point"`
	Inputs      []workflow.StageID `json:"inputs,omitempty"`
	Schema      string             `json:"schema,omitempty"`
	Artifact    string             `json:"artifact,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string               `json:"error"`
	Errors []string             `json:"errors,omitempty"`
	Result *orchestrator.Result `json:"result,omitempty"`
}

// handleCreate handles POST /workflows.
func (c *Component) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRequest
	if !c.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ProductName) == "" {
		c.writeError(w, http.StatusBadRequest, errors.New("product_name is required"), nil)
		return
	}

	id, result, err := c.backend.Create(r.Context(), req)
	if err != nil {
		c.writeError(w, statusFor(err), err, nil)
		return
	}
	c.logger.Info("Workflow created via API",
		"workflow_id", id,
		"product_name", req.ProductName,
		"dispatched", len(result.Dispatched))
	c.writeJSON(w, http.StatusCreated, CreateResponse{WorkflowID: id, Result: result})
}

// handleList handles GET /workflows.
func (c *Component) handleList(w http.ResponseWriter, r *http.Request) {
	c.requests.Add(1)
	states := c.backend.Workflows()
	summaries := make([]WorkflowSummary, 0, len(states))
	for _, s := range states {
		summaries = append(summaries, WorkflowSummary{
			ID:            s.ID,
			ProductName:   s.ProductName,
			ProjectType:   s.ProjectType,
			Mode:          s.Mode,
			CurrentStage:  s.CurrentStage,
			Escalated:     s.Escalated,
			OpenIssues:    len(s.OpenIssues()),
			AwaitingHuman: s.AwaitingHuman(),
			CreatedAt:     s.CreatedAt,
			UpdatedAt:     s.UpdatedAt,
		})
	}
	c.writeJSON(w, http.StatusOK, summaries)
}

// handleGet handles GET /workflows/{id}.
func (c *Component) handleGet(w http.ResponseWriter, r *http.Request) {
	c.requests.Add(1)
	s, err := c.backend.Workflow(r.PathValue("id"))
	if err != nil {
		c.writeError(w, statusFor(err), err, nil)
		return
	}
	c.writeJSON(w, http.StatusOK, s)
}

// handleReplace handles PUT /workflows/{id}, the manual state edit that
// clears an escalation.
func (c *Component) handleReplace(w http.ResponseWriter, r *http.Request) {
	var s workflow.State
	if !c.decodeBody(w, r, &s) {
		return
	}
	id := r.PathValue("id")
	if s.ID == "" {
		s.ID = id
	}
	if s.ID != id {
		c.writeError(w, http.StatusBadRequest,
			fmt.Errorf("body workflow_id %q does not match path %q", s.ID, id), nil)
		return
	}
	if err := c.backend.Replace(r.Context(), &s); err != nil {
		c.writeError(w, statusFor(err), err, nil)
		return
	}
	c.logger.Warn("Workflow state replaced via API", "workflow_id", id)
	updated, err := c.backend.Workflow(id)
	if err != nil {
		c.writeError(w, statusFor(err), err, nil)
		return
	}
	c.writeJSON(w, http.StatusOK, updated)
}

// handleHandoff handles GET /workflows/{id}/handoff.
func (c *Component) handleHandoff(w http.ResponseWriter, r *http.Request) {
	c.requests.Add(1)
	s, err := c.backend.Workflow(r.PathValue("id"))
	if err != nil {
		c.writeError(w, statusFor(err), err, nil)
		return
	}
	doc := workflow.Handoff(s, c.backend.Graph(), c.clock())
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, doc); err != nil {
		c.logger.Warn("Failed to write handoff response", "error", err)
	}
}

// handleReport handles POST /workflows/{id}/reports. The body is the raw
// completion report; validation happens in the orchestrator.
func (c *Component) handleReport(w http.ResponseWriter, r *http.Request) {
	c.requests.Add(1)
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, c.config.MaxBodyBytes))
	if err != nil {
		c.writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err), nil)
		return
	}
	result, err := c.backend.HandleReport(r.Context(), r.PathValue("id"), raw)
	if err != nil {
		c.writeError(w, statusFor(err), err, &result)
		return
	}
	c.writeJSON(w, http.StatusOK, result)
}

// handleDecision handles POST /workflows/{id}/decisions.
func (c *Component) handleDecision(w http.ResponseWriter, r *http.Request) {
	var body DecisionBody
	if !c.decodeBody(w, r, &body) {
		return
	}
	req := orchestrator.DecisionRequest{
		Stage:   body.Stage,
		Action:  body.Action,
		Details: body.Details,
		Actor:   body.Actor,
		IssueID: body.IssueID,
	}
	if body.Extension != "" {
		d, err := time.ParseDuration(body.Extension)
		if err != nil || d <= 0 {
			c.writeError(w, http.StatusBadRequest, fmt.Errorf("extension must be a positive duration, got %q", body.Extension), nil)
			return
		}
		req.Extension = d
	}

	result, err := c.backend.Decide(r.Context(), r.PathValue("id"), req)
	if err != nil {
		c.writeError(w, statusFor(err), err, nil)
		return
	}
	c.logger.Info("Decision applied via API",
		"workflow_id", r.PathValue("id"),
		"action", req.Action,
		"stage", req.Stage,
		"actor", req.Actor)
	c.writeJSON(w, http.StatusOK, result)
}

// handleListStages handles GET /stages.
func (c *Component) handleListStages(w http.ResponseWriter, _ *http.Request) {
	c.requests.Add(1)
	defs := c.backend.Graph().Stages()
	views := make([]StageView, 0, len(defs))
	for _, d := range defs {
		views = append(views, StageView{
			ID:          d.ID,
			Role:        d.Role,
			Phase:       d.Phase,
			Cohort:      d.Cohort,
			Required:    d.Required,
			ReviewPoint: d.ReviewPoint,
			Inputs:      d.Inputs,
			Schema:      d.Schema,
			Artifact:    d.Artifact,
		})
	}
	c.writeJSON(w, http.StatusOK, views)
}

// decodeBody reads a JSON request body into v. On failure it writes a 400
// and returns false.
func (c *Component) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	c.requests.Add(1)
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, c.config.MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		c.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err), nil)
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workfloworchestrator.ErrWorkflowNotFound):
		return http.StatusNotFound
	case errors.Is(err, workfloworchestrator.ErrWorkflowExists):
		return http.StatusConflict
	case errors.Is(err, workfloworchestrator.ErrInvalidWorkflowID),
		errors.Is(err, workflow.ErrUnknownStage):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrSchemaViolation),
		errors.Is(err, workflow.ErrRetriesExhausted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrSequenceViolation),
		errors.Is(err, workflow.ErrInvalidDecision),
		errors.Is(err, workflow.ErrEscalated),
		errors.Is(err, workflow.ErrWorkflowClosed),
		errors.Is(err, workflow.ErrHaltWithoutReason):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (c *Component) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.logger.Warn("Failed to encode response", "error", err)
	}
}

// writeError writes an ErrorResponse. Field errors of a schema violation are
// listed separately so clients can show them one per line.
func (c *Component) writeError(w http.ResponseWriter, status int, err error, result *orchestrator.Result) {
	c.requestErrors.Add(1)
	if status >= http.StatusInternalServerError {
		c.logger.Error("Request failed", "error", err)
	}
	resp := ErrorResponse{Error: err.Error()}
	var schemaErr *workflow.SchemaError
	if errors.As(err, &schemaErr) {
		resp.Errors = schemaErr.Errors
	}
	if result != nil && (result.Disposition != "" || result.CurrentStage != "") {
		resp.Result = result
	}
	c.writeJSON(w, status, resp)
}
