package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/shell/service"
	"github.com/artpar/shipyard/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

// stubService implements Service for testing.
type stubService struct {
	mu       sync.Mutex
	runs     map[string]*domain.PipelineRun
	active   map[string]bool
	events   map[string][]domain.ProgressEvent
	handled  []domain.Request
	started  []domain.DeployRequest
	filter   store.RunFilter
	opts     store.ListOptions
	startErr error
	handleFn func(domain.Request) (any, error)
}

func newStubService() *stubService {
	return &stubService{
		runs:   make(map[string]*domain.PipelineRun),
		active: make(map[string]bool),
		events: make(map[string][]domain.ProgressEvent),
	}
}

func (s *stubService) Handle(ctx context.Context, req domain.Request) (any, error) {
	s.mu.Lock()
	s.handled = append(s.handled, req)
	s.mu.Unlock()
	if s.handleFn != nil {
		return s.handleFn(req)
	}
	if d, ok := req.(domain.DeployRequest); ok {
		id, err := s.StartRun(ctx, d)
		return service.RunAccepted{RunID: id}, err
	}
	return nil, nil
}

func (s *stubService) StartRun(_ context.Context, req domain.DeployRequest) (string, error) {
	if s.startErr != nil {
		return "", s.startErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, req)
	run := domain.NewPipelineRun(req.ServiceName, req.SourceReference, req.Options)
	s.runs[run.ID] = run
	s.active[run.ID] = true
	return run.ID, nil
}

func (s *stubService) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active[id] {
		return service.ErrRunNotActive
	}
	delete(s.active, id)
	return nil
}

func (s *stubService) GetRun(_ context.Context, id string) (*domain.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, service.ErrRunNotFound
	}
	return run.Clone(), nil
}

func (s *stubService) ListRuns(_ context.Context, filter store.RunFilter, opts store.ListOptions) ([]domain.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter, s.opts = filter, opts
	var out []domain.PipelineRun
	for _, r := range s.runs {
		out = append(out, *r.Clone())
	}
	return out, nil
}

func (s *stubService) Subscribe(id string) (<-chan domain.ProgressEvent, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs, ok := s.events[id]
	if !ok {
		return nil, nil, service.ErrRunNotFound
	}
	ch := make(chan domain.ProgressEvent, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return ch, func() {}, nil
}

func (s *stubService) RunMetrics(id string) (domain.RunMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.RunMetrics{}, false
	}
	return domain.RunMetrics{RunID: id, ServiceName: run.ServiceName, Status: run.Status}, true
}

func (s *stubService) Aggregate() domain.AggregateMetrics {
	return domain.AggregateMetrics{TotalRuns: 3, SuccessCount: 2, FailureCount: 1}
}

func (s *stubService) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

func newTestHandler(cfg Config) (*Handler, *stubService) {
	s := newStubService()
	return NewHandler(s, cfg, nil), s
}

// jsonBody encodes a value to JSON and returns a reader.
func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)
	require.NoError(t, json.NewEncoder(buf).Encode(v))
	return buf
}

// parseResponse parses a JSON response body into the given type.
func parseResponse[T any](t *testing.T, body io.Reader) T {
	t.Helper()
	var result T
	require.NoError(t, json.NewDecoder(body).Decode(&result))
	return result
}

func serve(h *Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)
	return w
}

// =============================================================================
// Health Endpoint Tests
// =============================================================================

func TestHealth_Success(t *testing.T) {
	h, _ := newTestHandler(Config{})

	w := serve(h, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[HealthResponse](t, w.Body)
	assert.Equal(t, "healthy", resp.Status)
}

func TestReady(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   string
	}{
		{"healthy", nil, http.StatusOK, "ok"},
		{"docker down", errors.New("connection refused"), http.StatusServiceUnavailable, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(Config{Checks: map[string]Checker{
				"docker": CheckerFunc(func(context.Context) error { return tt.err }),
			}})

			w := serve(h, http.MethodGet, "/ready", nil)

			assert.Equal(t, tt.status, w.Code)
			resp := parseResponse[ReadyResponse](t, w.Body)
			assert.Equal(t, tt.want, resp.Checks["docker"])
		})
	}
}

// =============================================================================
// Request Endpoint Tests
// =============================================================================

func TestRequest_Deploy(t *testing.T) {
	h, s := newTestHandler(Config{})

	w := serve(h, http.MethodPost, "/api/v1/requests", jsonBody(t, map[string]any{
		"type":             "deploy",
		"source_reference": "https://github.com/acme/shop-api",
		"service_name":     "shop-api",
		"options":          map[string]any{"region": "eu-west1", "env_vars": map[string]string{"A": "1"}},
	}))

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := parseResponse[RunAcceptedResponse](t, w.Body)
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, "/api/v1/runs/"+resp.RunID+"/events", resp.EventsURL)

	require.Len(t, s.started, 1)
	assert.Equal(t, "eu-west1", s.started[0].Options.Region)
	assert.Equal(t, "1", s.started[0].Options.EnvVars["A"])
}

func TestRequest_Variants(t *testing.T) {
	h, s := newTestHandler(Config{})
	s.handleFn = func(req domain.Request) (any, error) {
		switch req.(type) {
		case domain.ListReposRequest:
			return []domain.Repository{{FullName: "acme/shop-api"}}, nil
		case domain.LogsRequest:
			return []string{"GET / 200"}, nil
		case domain.AnalyzeRequest:
			return domain.AnalysisReport{Facts: domain.AnalysisFacts{Language: "go"}}, nil
		}
		return nil, nil
	}

	w := serve(h, http.MethodPost, "/api/v1/requests", strings.NewReader(`{"type":"list_repos","owner":"acme","limit":5}`))
	require.Equal(t, http.StatusOK, w.Code)
	repos := parseResponse[ReposResponse](t, w.Body)
	assert.Equal(t, "acme/shop-api", repos.Repositories[0].FullName)

	w = serve(h, http.MethodPost, "/api/v1/requests", strings.NewReader(`{"type":"logs","service_name":"shop-api"}`))
	require.Equal(t, http.StatusOK, w.Code)
	logs := parseResponse[LogsResponse](t, w.Body)
	assert.Equal(t, "shop-api", logs.ServiceName)
	assert.Equal(t, []string{"GET / 200"}, logs.Lines)

	w = serve(h, http.MethodPost, "/api/v1/requests", strings.NewReader(`{"type":"analyze","source_reference":"./app"}`))
	require.Equal(t, http.StatusOK, w.Code)
	report := parseResponse[domain.AnalysisReport](t, w.Body)
	assert.Equal(t, "go", report.Facts.Language)

	require.Len(t, s.handled, 3)
	assert.Equal(t, domain.ListReposRequest{Owner: "acme", Limit: 5}, s.handled[0])
}

func TestRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"not json", `{"type":`, http.StatusBadRequest},
		{"missing type", `{"source_reference":"x"}`, http.StatusBadRequest},
		{"unknown type", `{"type":"destroy"}`, http.StatusBadRequest},
		{"deploy without source", `{"type":"deploy"}`, http.StatusBadRequest},
		{"bad service name", `{"type":"logs","service_name":"Bad Name"}`, http.StatusBadRequest},
		{"bad env key", `{"type":"deploy","source_reference":"x","options":{"env_vars":{"1A":"x"}}}`, http.StatusBadRequest},
		{"negative limit", `{"type":"list_repos","limit":-1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, s := newTestHandler(Config{})

			w := serve(h, http.MethodPost, "/api/v1/requests", strings.NewReader(tt.body))

			assert.Equal(t, tt.code, w.Code)
			resp := parseResponse[ErrorResponse](t, w.Body)
			assert.Equal(t, "validation_error", resp.Code)
			assert.Empty(t, s.handled)
		})
	}
}

func TestRequest_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"configuration", domain.Configuration("resolve", "repository not found", nil), http.StatusUnprocessableEntity, "configuration_error"},
		{"transient", domain.Transient("resolve", "connection reset", nil), http.StatusServiceUnavailable, "transient_error"},
		{"backend", domain.Backend("build", "exit 1", nil), http.StatusBadGateway, "backend_error"},
		{"not configured", service.ErrNotConfigured, http.StatusNotImplemented, "not_configured"},
		{"shutting down", service.ErrShuttingDown, http.StatusServiceUnavailable, "shutting_down"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, s := newTestHandler(Config{})
			s.handleFn = func(domain.Request) (any, error) { return nil, tt.err }

			w := serve(h, http.MethodPost, "/api/v1/requests", strings.NewReader(`{"type":"analyze","source_reference":"x"}`))

			assert.Equal(t, tt.status, w.Code)
			resp := parseResponse[ErrorResponse](t, w.Body)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestRequest_BodyTooLarge(t *testing.T) {
	h, _ := newTestHandler(Config{MaxBodyBytes: 16})

	w := serve(h, http.MethodPost, "/api/v1/requests", strings.NewReader(`{"type":"analyze","source_reference":"https://github.com/acme/x"}`))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

// =============================================================================
// Run Endpoint Tests
// =============================================================================

func TestStartRun_Success(t *testing.T) {
	h, s := newTestHandler(Config{})

	w := serve(h, http.MethodPost, "/api/v1/runs", strings.NewReader(`{"source_reference":"https://github.com/acme/shop-api"}`))

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, s.started, 1)
	assert.Equal(t, "https://github.com/acme/shop-api", s.started[0].SourceReference)
}

func TestStartRun_Rejected(t *testing.T) {
	h, s := newTestHandler(Config{})
	s.startErr = domain.Configuration("start_run", "service name is required", nil)

	w := serve(h, http.MethodPost, "/api/v1/runs", strings.NewReader(`{"source_reference":"x"}`))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGetRun_RedactsEnv(t *testing.T) {
	h, s := newTestHandler(Config{})
	id, err := s.StartRun(context.Background(), domain.DeployRequest{
		ServiceName:     "shop-api",
		SourceReference: "x",
		Options:         domain.RunOptions{EnvVars: map[string]string{"DB_PASSWORD": "hunter2"}},
	})
	require.NoError(t, err)

	w := serve(h, http.MethodGet, "/api/v1/runs/"+id, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "hunter2")
	run := parseResponse[domain.PipelineRun](t, w.Body)
	assert.Equal(t, domain.RedactedValue, run.Options.EnvVars["DB_PASSWORD"])
}

func TestGetRun_NotFound(t *testing.T) {
	h, _ := newTestHandler(Config{})

	w := serve(h, http.MethodGet, "/api/v1/runs/missing", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "run_not_found", resp.Code)
}

func TestListRuns(t *testing.T) {
	h, s := newTestHandler(Config{})
	_, err := s.StartRun(context.Background(), domain.DeployRequest{
		ServiceName:     "shop-api",
		SourceReference: "x",
		Options:         domain.RunOptions{EnvVars: map[string]string{"K": "secret"}},
	})
	require.NoError(t, err)

	w := serve(h, http.MethodGet, "/api/v1/runs?service=shop-api&status=success&limit=5&offset=2", nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ListRunsResponse](t, w.Body)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, 5, resp.Limit)
	assert.Equal(t, 2, resp.Offset)
	assert.Equal(t, "shop-api", s.filter.ServiceName)
	assert.Equal(t, domain.RunSuccess, s.filter.Status)
	assert.NotContains(t, w.Body.String(), "secret")
}

func TestListRuns_Empty(t *testing.T) {
	h, _ := newTestHandler(Config{})

	w := serve(h, http.MethodGet, "/api/v1/runs", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"runs":[]`)
}

func TestListRuns_BadStatus(t *testing.T) {
	h, _ := newTestHandler(Config{})

	w := serve(h, http.MethodGet, "/api/v1/runs?status=exploded", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelRun(t *testing.T) {
	h, s := newTestHandler(Config{})
	id, err := s.StartRun(context.Background(), domain.DeployRequest{ServiceName: "a", SourceReference: "x"})
	require.NoError(t, err)

	w := serve(h, http.MethodPost, "/api/v1/runs/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = serve(h, http.MethodPost, "/api/v1/runs/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

// =============================================================================
// Metrics Endpoint Tests
// =============================================================================

func TestMetrics(t *testing.T) {
	h, s := newTestHandler(Config{})
	id, err := s.StartRun(context.Background(), domain.DeployRequest{ServiceName: "a", SourceReference: "x"})
	require.NoError(t, err)

	w := serve(h, http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[MetricsResponse](t, w.Body)
	assert.Equal(t, int64(3), resp.Aggregate.TotalRuns)
	assert.Equal(t, []string{id}, resp.ActiveRuns)

	w = serve(h, http.MethodGet, "/api/v1/runs/"+id+"/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(h, http.MethodGet, "/api/v1/runs/missing/metrics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "shipyard_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	h, _ := newTestHandler(Config{Gatherer: reg})

	w := serve(h, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "shipyard_test_total 1")
}

func TestOpenAPI(t *testing.T) {
	h, _ := newTestHandler(Config{AuthToken: "t"})

	w := serve(h, http.MethodGet, "/openapi.json", nil)

	require.Equal(t, http.StatusOK, w.Code)
	doc := parseResponse[map[string]any](t, w.Body)
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/api/v1/runs/{id}/events")
}

// =============================================================================
// Event Stream Tests
// =============================================================================

func TestEvents_StreamsAndCloses(t *testing.T) {
	h, s := newTestHandler(Config{})
	stage := domain.StageRepoAccess
	s.events["run-1"] = []domain.ProgressEvent{
		{RunID: "run-1", Sequence: 1, Stage: &stage, Percent: 5, Message: "Cloning", Level: domain.LevelInfo},
		{RunID: "run-1", Sequence: 2, Percent: 100, Message: "Done", Level: domain.LevelInfo, Final: true},
	}
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/run-1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got []domain.ProgressEvent
	for {
		var ev domain.ProgressEvent
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "Cloning", got[0].Message)
	assert.True(t, got[1].Final)
}

func TestEvents_UnknownRun(t *testing.T) {
	h, _ := newTestHandler(Config{})

	w := serve(h, http.MethodGet, "/api/v1/runs/missing/events", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Middleware Tests
// =============================================================================

func TestRequestID_Generated(t *testing.T) {
	h, _ := newTestHandler(Config{})

	w := serve(h, http.MethodGet, "/health", nil)

	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestContentType_JSON(t *testing.T) {
	h, _ := newTestHandler(Config{})

	w := serve(h, http.MethodGet, "/health", nil)

	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestInvalidMethod_405(t *testing.T) {
	h, _ := newTestHandler(Config{})

	w := serve(h, http.MethodPatch, "/health", nil)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAuthToken(t *testing.T) {
	h, _ := newTestHandler(Config{AuthToken: "s3cret"})

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/api/v1/runs", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPanic_Recovery(t *testing.T) {
	h, s := newTestHandler(Config{})
	s.handleFn = func(domain.Request) (any, error) { panic("boom") }

	var w *httptest.ResponseRecorder
	assert.NotPanics(t, func() {
		w = serve(h, http.MethodPost, "/api/v1/requests", strings.NewReader(`{"type":"analyze","source_reference":"x"}`))
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
