package workflowapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	workfloworchestrator "github.com/c360studio/semforge/processor/workflow-orchestrator"
	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/orchestrator"
)

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeBackend struct {
	states    map[string]*workflow.State
	createErr error
	reportErr error
	decideErr error
	result    orchestrator.Result

	created   []orchestrator.StartRequest
	reports   [][]byte
	decisions []orchestrator.DecisionRequest
	replaced  []*workflow.State
}

func newFakeBackend() *fakeBackend {
	s := workflow.NewState("wf-1", "Recipe Box", "full_stack", workflow.ModeFull,
		workflow.DefaultGraph(), nil, testNow)
	return &fakeBackend{
		states: map[string]*workflow.State{s.ID: s},
		result: orchestrator.Result{
			Disposition:  orchestrator.Accepted,
			CurrentStage: workflow.StageRequirements,
		},
	}
}

func (f *fakeBackend) Create(_ context.Context, req orchestrator.StartRequest) (string, orchestrator.Result, error) {
	f.created = append(f.created, req)
	if f.createErr != nil {
		return "", orchestrator.Result{}, f.createErr
	}
	id := req.ID
	if id == "" {
		id = "wf-generated"
	}
	res := f.result
	res.Dispatched = []workflow.StageID{workflow.StageRequirements}
	return id, res, nil
}

func (f *fakeBackend) HandleReport(_ context.Context, id string, raw []byte) (orchestrator.Result, error) {
	if _, ok := f.states[id]; !ok {
		return orchestrator.Result{Disposition: orchestrator.Rejected}, fmt.Errorf("%w: %s", workfloworchestrator.ErrWorkflowNotFound, id)
	}
	f.reports = append(f.reports, raw)
	if f.reportErr != nil {
		return orchestrator.Result{Disposition: orchestrator.Rejected, CurrentStage: workflow.StageRequirements}, f.reportErr
	}
	return f.result, nil
}

func (f *fakeBackend) Decide(_ context.Context, id string, req orchestrator.DecisionRequest) (orchestrator.Result, error) {
	if _, ok := f.states[id]; !ok {
		return orchestrator.Result{}, fmt.Errorf("%w: %s", workfloworchestrator.ErrWorkflowNotFound, id)
	}
	f.decisions = append(f.decisions, req)
	if f.decideErr != nil {
		return orchestrator.Result{}, f.decideErr
	}
	return f.result, nil
}

func (f *fakeBackend) Replace(_ context.Context, s *workflow.State) error {
	if _, ok := f.states[s.ID]; !ok {
		return fmt.Errorf("%w: %s", workfloworchestrator.ErrWorkflowNotFound, s.ID)
	}
	f.replaced = append(f.replaced, s)
	f.states[s.ID] = s
	return nil
}

func (f *fakeBackend) Workflow(id string) (*workflow.State, error) {
	s, ok := f.states[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workfloworchestrator.ErrWorkflowNotFound, id)
	}
	return s, nil
}

func (f *fakeBackend) Workflows() []*workflow.State {
	out := make([]*workflow.State, 0, len(f.states))
	for _, s := range f.states {
		out = append(out, s)
	}
	return out
}

func (f *fakeBackend) Graph() *workflow.Graph {
	return workflow.DefaultGraph()
}

func newTestServer(t *testing.T, backend *fakeBackend) (*Component, *httptest.Server) {
	t.Helper()
	c, err := NewComponent(DefaultConfig(), backend, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewComponent: %v", err)
	}
	c.clock = func() time.Time { return testNow }
	mux := http.NewServeMux()
	c.RegisterHTTPHandlers(c.Prefix(), mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return c, srv
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestCreateWorkflow(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		createErr  error
		wantStatus int
	}{
		{"created", `{"product_name":"Recipe Box","workflow_id":"wf-2"}`, nil, http.StatusCreated},
		{"missing product name", `{"workflow_id":"wf-2"}`, nil, http.StatusBadRequest},
		{"malformed body", `{"product_name":`, nil, http.StatusBadRequest},
		{"duplicate id", `{"product_name":"Recipe Box","workflow_id":"wf-1"}`,
			fmt.Errorf("%w: wf-1", workfloworchestrator.ErrWorkflowExists), http.StatusConflict},
		{"invalid id", `{"product_name":"Recipe Box","workflow_id":"a.b"}`,
			fmt.Errorf("%w: \"a.b\"", workfloworchestrator.ErrInvalidWorkflowID), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.createErr = tt.createErr
			_, srv := newTestServer(t, backend)

			resp := do(t, http.MethodPost, srv.URL+"/api/workflows", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusCreated {
				return
			}
			got := decode[CreateResponse](t, resp)
			if got.WorkflowID != "wf-2" {
				t.Errorf("workflow_id = %q, want wf-2", got.WorkflowID)
			}
			if len(got.Result.Dispatched) != 1 || got.Result.Dispatched[0] != workflow.StageRequirements {
				t.Errorf("dispatched = %v, want [requirements]", got.Result.Dispatched)
			}
			if backend.created[0].ProductName != "Recipe Box" {
				t.Errorf("product name not passed through: %+v", backend.created[0])
			}
		})
	}
}

func TestListAndGetWorkflow(t *testing.T) {
	_, srv := newTestServer(t, newFakeBackend())

	resp := do(t, http.MethodGet, srv.URL+"/api/workflows", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	list := decode[[]WorkflowSummary](t, resp)
	if len(list) != 1 || list[0].ID != "wf-1" || list[0].CurrentStage != workflow.StageRequirements {
		t.Errorf("unexpected listing: %+v", list)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/workflows/wf-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	s := decode[workflow.State](t, resp)
	if s.ProductName != "Recipe Box" {
		t.Errorf("product_name = %q", s.ProductName)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/workflows/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing workflow status = %d, want 404", resp.StatusCode)
	}
	errResp := decode[ErrorResponse](t, resp)
	if !strings.Contains(errResp.Error, "workflow not found") {
		t.Errorf("error = %q", errResp.Error)
	}
}

func TestHandoff(t *testing.T) {
	_, srv := newTestServer(t, newFakeBackend())

	resp := do(t, http.MethodGet, srv.URL+"/api/workflows/wf-1/handoff", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Errorf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "# Workflow Handoff Document") {
		t.Errorf("handoff body missing title:\n%s", body)
	}
	if !strings.Contains(string(body), "Recipe Box") {
		t.Errorf("handoff body missing product name:\n%s", body)
	}
}

func TestSubmitReport(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		reportErr  error
		wantStatus int
		wantErrors int
	}{
		{"accepted", "wf-1", nil, http.StatusOK, 0},
		{"unknown workflow", "missing", nil, http.StatusNotFound, 0},
		{"schema violation", "wf-1", &workflow.SchemaError{
			Schema: "completion-signal",
			Errors: []string{"status: is required", "stage: is required"},
		}, http.StatusUnprocessableEntity, 2},
		{"sequence violation", "wf-1", &workflow.SequenceError{
			Stage:  workflow.StageQA,
			Reason: "stage has not been dispatched",
		}, http.StatusConflict, 0},
		{"escalated", "wf-1", workflow.ErrEscalated, http.StatusConflict, 0},
		{"store failure", "wf-1", fmt.Errorf("persist state: disk full"), http.StatusInternalServerError, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.reportErr = tt.reportErr
			_, srv := newTestServer(t, backend)

			raw := `{"role":"product_manager","stage":"requirements","status":"completed"}`
			resp := do(t, http.MethodPost, srv.URL+"/api/workflows/"+tt.id+"/reports", raw)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				if len(backend.reports) != 1 || string(backend.reports[0]) != raw {
					t.Errorf("raw report not passed through: %q", backend.reports)
				}
				return
			}
			errResp := decode[ErrorResponse](t, resp)
			if len(errResp.Errors) != tt.wantErrors {
				t.Errorf("errors = %v, want %d entries", errResp.Errors, tt.wantErrors)
			}
			if tt.id == "wf-1" && (errResp.Result == nil || errResp.Result.Disposition != orchestrator.Rejected) {
				t.Errorf("result = %+v, want rejected disposition", errResp.Result)
			}
		})
	}
}

func TestApplyDecision(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		decideErr  error
		wantStatus int
	}{
		{"approve", `{"stage":"requirements","action":"approve","actor":"dana"}`, nil, http.StatusOK},
		{"extend", `{"stage":"requirements","action":"extend","extension":"45m"}`, nil, http.StatusOK},
		{"bad extension", `{"stage":"requirements","action":"extend","extension":"soon"}`, nil, http.StatusBadRequest},
		{"negative extension", `{"stage":"requirements","action":"extend","extension":"-5m"}`, nil, http.StatusBadRequest},
		{"invalid decision", `{"stage":"requirements","action":"approve"}`,
			fmt.Errorf("%w: no pending approval", workflow.ErrInvalidDecision), http.StatusConflict},
		{"unknown stage", `{"stage":"marketing","action":"retry"}`,
			fmt.Errorf("%w: \"marketing\"", workflow.ErrUnknownStage), http.StatusBadRequest},
		{"halt without reason", `{"action":"resolve","issue_id":"issue-1"}`, workflow.ErrHaltWithoutReason, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.decideErr = tt.decideErr
			_, srv := newTestServer(t, backend)

			resp := do(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/decisions", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}

	backend := newFakeBackend()
	_, srv := newTestServer(t, backend)
	do(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/decisions",
		`{"stage":"requirements","action":"extend","extension":"45m","actor":"dana","details":"vendor delay"}`)
	if len(backend.decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(backend.decisions))
	}
	got := backend.decisions[0]
	if got.Action != orchestrator.ActionExtend || got.Extension != 45*time.Minute || got.Actor != "dana" {
		t.Errorf("decision = %+v", got)
	}
}

func TestReplaceState(t *testing.T) {
	backend := newFakeBackend()
	_, srv := newTestServer(t, backend)

	edited := *backend.states["wf-1"]
	edited.Escalated = false
	edited.ProductName = "Recipe Box v2"
	body, err := json.Marshal(&edited)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	resp := do(t, http.MethodPut, srv.URL+"/api/workflows/wf-1", string(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(backend.replaced) != 1 || backend.replaced[0].ProductName != "Recipe Box v2" {
		t.Errorf("replace not applied: %+v", backend.replaced)
	}

	edited.ID = "wf-other"
	body, _ = json.Marshal(&edited)
	resp = do(t, http.MethodPut, srv.URL+"/api/workflows/wf-1", string(body))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("mismatched id status = %d, want 400", resp.StatusCode)
	}
}

func TestListStagesAndOpenAPI(t *testing.T) {
	_, srv := newTestServer(t, newFakeBackend())

	resp := do(t, http.MethodGet, srv.URL+"/api/stages", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stages status = %d", resp.StatusCode)
	}
	stages := decode[[]StageView](t, resp)
	if len(stages) != len(workflow.DefaultGraph().Stages()) {
		t.Errorf("stages = %d, want %d", len(stages), len(workflow.DefaultGraph().Stages()))
	}
	if stages[0].ID != workflow.StageRequirements {
		t.Errorf("first stage = %q", stages[0].ID)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/openapi.json", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("openapi status = %d", resp.StatusCode)
	}
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	for _, p := range []string{"/api/workflows", "/api/workflows/{id}/decisions", "/api/workflows/{id}/handoff"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("openapi missing path %s", p)
		}
	}
	schemas := doc["components"].(map[string]any)["schemas"].(map[string]any)
	if _, ok := schemas["CompletionReport"]; !ok {
		t.Error("openapi missing CompletionReport schema")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, srv := newTestServer(t, newFakeBackend())
	resp := do(t, http.MethodDelete, srv.URL+"/api/workflows/wf-1", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestComponentLifecycle(t *testing.T) {
	c, err := NewComponent(Config{}, newFakeBackend(), nil)
	if err != nil {
		t.Fatalf("NewComponent: %v", err)
	}
	if c.Prefix() != "/api/" {
		t.Errorf("prefix = %q, want default", c.Prefix())
	}
	if c.Health().Healthy {
		t.Error("healthy before start")
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	if !c.Health().Healthy {
		t.Error("not healthy after start")
	}
	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := NewComponent(Config{Prefix: "api"}, newFakeBackend(), nil); err == nil {
		t.Error("prefix without slashes should be rejected")
	}
	if _, err := NewComponent(DefaultConfig(), nil, nil); err == nil {
		t.Error("nil backend should be rejected")
	}
}
