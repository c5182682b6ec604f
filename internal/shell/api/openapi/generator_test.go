package openapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleRequest struct {
	Source string            `json:"source_reference"`
	Name   string            `json:"service_name,omitempty"`
	Env    map[string]string `json:"env_vars,omitempty"`
	Hidden string            `json:"-"`
}

type sampleResponse struct {
	ID        string        `json:"id"`
	Started   time.Time     `json:"started_at"`
	Ended     *time.Time    `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration"`
	Stages    []string      `json:"stages"`
	Succeeded bool          `json:"succeeded"`
}

func newTestGenerator() *Generator {
	g := NewGenerator(WithTitle("Test API"), WithVersion("2.0.0"), WithServer("/"))
	g.Register(
		Operation{Method: http.MethodPost, Path: "/api/v1/runs", ID: "startRun", Tag: "Runs",
			Request: sampleRequest{}, Response: sampleResponse{}, Status: http.StatusAccepted},
		Operation{Method: http.MethodGet, Path: "/api/v1/runs", ID: "listRuns", Tag: "Runs",
			Response: []sampleResponse{}, Query: []string{"limit", "offset"}},
		Operation{Method: http.MethodGet, Path: "/api/v1/runs/{id}", ID: "getRun", Response: sampleResponse{}},
	)
	return g
}

func TestGenerate_Paths(t *testing.T) {
	spec := newTestGenerator().Generate()

	assert.Equal(t, "Test API", spec.Info.Title)
	assert.Equal(t, "2.0.0", spec.Info.Version)
	require.Len(t, spec.Servers, 1)

	runs := spec.Paths.Value("/api/v1/runs")
	require.NotNil(t, runs)
	require.NotNil(t, runs.Post)
	require.NotNil(t, runs.Get)
	assert.Equal(t, "startRun", runs.Post.OperationID)
	assert.NotNil(t, runs.Post.RequestBody)
	assert.NotNil(t, runs.Post.Responses.Value("202"))
	assert.Len(t, runs.Get.Parameters, 2)

	item := spec.Paths.Value("/api/v1/runs/{id}")
	require.NotNil(t, item)
	require.Len(t, item.Parameters, 1)
	assert.Equal(t, "id", item.Parameters[0].Value.Name)
	assert.NotNil(t, item.Get.Responses.Value("200"))
}

func TestGenerate_Schemas(t *testing.T) {
	spec := newTestGenerator().Generate()

	req := spec.Components.Schemas["sampleRequest"]
	require.NotNil(t, req)
	assert.Contains(t, req.Value.Properties, "source_reference")
	assert.Contains(t, req.Value.Properties, "env_vars")
	assert.NotContains(t, req.Value.Properties, "Hidden")
	assert.Equal(t, []string{"source_reference"}, req.Value.Required)

	resp := spec.Components.Schemas["sampleResponse"]
	require.NotNil(t, resp)
	assert.Equal(t, "date-time", resp.Value.Properties["started_at"].Value.Format)
	assert.True(t, resp.Value.Properties["ended_at"].Value.Nullable)
	assert.Equal(t, "int64", resp.Value.Properties["duration"].Value.Format)
	assert.NotContains(t, resp.Value.Required, "ended_at")

	assert.Contains(t, spec.Components.Schemas, "Error")
}

func TestGenerate_Cached(t *testing.T) {
	g := newTestGenerator()
	first := g.Generate()
	assert.Same(t, first, g.Generate())

	g.Register(Operation{Method: http.MethodGet, Path: "/health", ID: "health"})
	assert.NotSame(t, first, g.Generate())
}

func TestHandler(t *testing.T) {
	w := httptest.NewRecorder()
	newTestGenerator().Handler()(w, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc["openapi"])
}
