package workflowapi

import (
	"net/http"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/orchestrator"
)

// OpenAPISpec is the subset of an OpenAPI 3.1 document the API publishes.
type OpenAPISpec struct {
	OpenAPI    string              `json:"openapi"`
	Info       InfoSpec            `json:"info"`
	Tags       []TagSpec           `json:"tags,omitempty"`
	Paths      map[string]PathSpec `json:"paths"`
	Components ComponentsSpec      `json:"components"`
}

// InfoSpec is the document's info block.
type InfoSpec struct {
	Title   string `json:"title"`
	Version string `json:"version"`
}

// TagSpec groups operations.
type TagSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PathSpec holds the operations of one path.
type PathSpec struct {
	GET  *OperationSpec `json:"get,omitempty"`
	POST *OperationSpec `json:"post,omitempty"`
	PUT  *OperationSpec `json:"put,omitempty"`
}

// OperationSpec describes one route.
type OperationSpec struct {
	Summary     string                  `json:"summary"`
	Description string                  `json:"description,omitempty"`
	Tags        []string                `json:"tags,omitempty"`
	Parameters  []ParameterSpec         `json:"parameters,omitempty"`
	RequestBody *BodySpec               `json:"requestBody,omitempty"`
	Responses   map[string]ResponseSpec `json:"responses"`
}

// ParameterSpec describes a path parameter.
type ParameterSpec struct {
	Name        string            `json:"name"`
	In          string            `json:"in"`
	Required    bool              `json:"required"`
	Description string            `json:"description,omitempty"`
	Schema      map[string]string `json:"schema"`
}

// BodySpec describes a request body.
type BodySpec struct {
	Required bool                 `json:"required"`
	Content  map[string]MediaSpec `json:"content"`
}

// ResponseSpec describes one response.
type ResponseSpec struct {
	Description string               `json:"description"`
	Content     map[string]MediaSpec `json:"content,omitempty"`
}

// MediaSpec references a component schema.
type MediaSpec struct {
	Schema map[string]any `json:"schema"`
}

// ComponentsSpec holds the reflected schemas.
type ComponentsSpec struct {
	Schemas map[string]*jsonschema.Schema `json:"schemas"`
}

func (c *Component) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	c.requests.Add(1)
	c.writeJSON(w, http.StatusOK, BuildOpenAPISpec(c.config.Prefix))
}

// BuildOpenAPISpec describes the routes registered under prefix. Body and
// response schemas are reflected from the Go types.
func BuildOpenAPISpec(prefix string) *OpenAPISpec {
	base := strings.TrimSuffix(prefix, "/")
	idParam := []ParameterSpec{{
		Name:        "id",
		In:          "path",
		Required:    true,
		Description: "Workflow identifier",
		Schema:      map[string]string{"type": "string"},
	}}

	return &OpenAPISpec{
		OpenAPI: "3.1.0",
		Info:    InfoSpec{Title: "semforge workflow API", Version: "0.1.0"},
		Tags: []TagSpec{
			{Name: "Workflows", Description: "Start workflows and read their state"},
			{Name: "Signals", Description: "Completion reports and operator decisions"},
		},
		Paths: map[string]PathSpec{
			base + "/stages": {
				GET: &OperationSpec{
					Summary:   "List stages",
					Tags:      []string{"Workflows"},
					Responses: map[string]ResponseSpec{"200": jsonArray("Stage graph", "StageView")},
				},
			},
			base + "/workflows": {
				GET: &OperationSpec{
					Summary:   "List workflows",
					Tags:      []string{"Workflows"},
					Responses: map[string]ResponseSpec{"200": jsonArray("Live workflows ordered by creation", "WorkflowSummary")},
				},
				POST: &OperationSpec{
					Summary:     "Start workflow",
					Description: "Creates the workflow state and dispatches the first stage",
					Tags:        []string{"Workflows"},
					RequestBody: jsonBody("StartRequest"),
					Responses: map[string]ResponseSpec{
						"201": jsonRef("Workflow started", "CreateResponse"),
						"400": jsonRef("Invalid request", "ErrorResponse"),
						"409": jsonRef("Workflow id already in use", "ErrorResponse"),
					},
				},
			},
			base + "/workflows/{id}": {
				GET: &OperationSpec{
					Summary:    "Get workflow",
					Tags:       []string{"Workflows"},
					Parameters: idParam,
					Responses: map[string]ResponseSpec{
						"200": jsonRef("Workflow state document", "State"),
						"404": jsonRef("Unknown workflow", "ErrorResponse"),
					},
				},
				PUT: &OperationSpec{
					Summary:     "Replace workflow state",
					Description: "Installs a manually edited state document; the only way to clear an escalation",
					Tags:        []string{"Workflows"},
					Parameters:  idParam,
					RequestBody: jsonBody("State"),
					Responses: map[string]ResponseSpec{
						"200": jsonRef("Installed state", "State"),
						"409": jsonRef("State rejected", "ErrorResponse"),
						"422": jsonRef("State fails its schema", "ErrorResponse"),
					},
				},
			},
			base + "/workflows/{id}/handoff": {
				GET: &OperationSpec{
					Summary:    "Handoff document",
					Tags:       []string{"Workflows"},
					Parameters: idParam,
					Responses: map[string]ResponseSpec{
						"200": {
							Description: "Markdown summary for the next session",
							Content:     map[string]MediaSpec{"text/markdown": {Schema: map[string]any{"type": "string"}}},
						},
					},
				},
			},
			base + "/workflows/{id}/reports": {
				POST: &OperationSpec{
					Summary:     "Submit completion report",
					Tags:        []string{"Signals"},
					Parameters:  idParam,
					RequestBody: jsonBody("CompletionReport"),
					Responses: map[string]ResponseSpec{
						"200": jsonRef("Report accepted or ignored as duplicate", "Result"),
						"409": jsonRef("Out-of-order or misattributed report", "ErrorResponse"),
						"422": jsonRef("Report or artifact fails its schema", "ErrorResponse"),
					},
				},
			},
			base + "/workflows/{id}/decisions": {
				POST: &OperationSpec{
					Summary:     "Apply decision",
					Description: "approve, reject, feedback, retry, extend, abort or resolve",
					Tags:        []string{"Signals"},
					Parameters:  idParam,
					RequestBody: jsonBody("DecisionBody"),
					Responses: map[string]ResponseSpec{
						"200": jsonRef("Decision applied", "Result"),
						"409": jsonRef("Decision does not fit the stage", "ErrorResponse"),
					},
				},
			},
		},
		Components: ComponentsSpec{Schemas: componentSchemas()},
	}
}

func componentSchemas() map[string]*jsonschema.Schema {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	types := map[string]any{
		"StartRequest":     &orchestrator.StartRequest{},
		"CreateResponse":   &CreateResponse{},
		"Result":           &orchestrator.Result{},
		"DecisionBody":     &DecisionBody{},
		"ErrorResponse":    &ErrorResponse{},
		"WorkflowSummary":  &WorkflowSummary{},
		"StageView":        &StageView{},
		"State":            &workflow.State{},
		"CompletionReport": &workflow.CompletionReport{},
	}
	schemas := make(map[string]*jsonschema.Schema, len(types))
	for name, v := range types {
		s := r.Reflect(v)
		s.Version = ""
		schemas[name] = s
	}
	return schemas
}

func schemaRef(name string) map[string]any {
	return map[string]any{"$ref": "#/components/schemas/" + name}
}

func jsonRef(description, name string) ResponseSpec {
	return ResponseSpec{
		Description: description,
		Content:     map[string]MediaSpec{"application/json": {Schema: schemaRef(name)}},
	}
}

func jsonArray(description, name string) ResponseSpec {
	return ResponseSpec{
		Description: description,
		Content: map[string]MediaSpec{"application/json": {Schema: map[string]any{
			"type":  "array",
			"items": schemaRef(name),
		}}},
	}
}

func jsonBody(name string) *BodySpec {
	return &BodySpec{
		Required: true,
		Content:  map[string]MediaSpec{"application/json": {Schema: schemaRef(name)}},
	}
}
