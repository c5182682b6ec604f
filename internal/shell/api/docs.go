package api

import (
	"net/http"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/shell/api/openapi"
)

func newOpenAPI() *openapi.Generator {
	g := openapi.NewGenerator(
		openapi.WithTitle("Shipyard API"),
		openapi.WithVersion("1.0.0"),
		openapi.WithDescription("Turns a source repository into a running container service."),
		openapi.WithServer("/"),
	)
	g.Register(
		openapi.Operation{Method: http.MethodGet, Path: "/health", ID: "health", Tag: "Health",
			Summary: "Liveness probe", Response: HealthResponse{}},
		openapi.Operation{Method: http.MethodGet, Path: "/ready", ID: "ready", Tag: "Health",
			Summary: "Readiness probe", Response: ReadyResponse{}},
		openapi.Operation{Method: http.MethodPost, Path: "/api/v1/requests", ID: "handleRequest", Tag: "Requests",
			Summary: "Submit an analyze, deploy, list_repos or logs request", Request: requestDoc{}},
		openapi.Operation{Method: http.MethodPost, Path: "/api/v1/runs", ID: "startRun", Tag: "Runs",
			Summary: "Start a deploy run", Request: domain.DeployRequest{},
			Response: RunAcceptedResponse{}, Status: http.StatusAccepted},
		openapi.Operation{Method: http.MethodGet, Path: "/api/v1/runs", ID: "listRuns", Tag: "Runs",
			Summary: "List runs, newest first", Response: ListRunsResponse{},
			Query: []string{"service", "status", "limit", "offset"}},
		openapi.Operation{Method: http.MethodGet, Path: "/api/v1/runs/{id}", ID: "getRun", Tag: "Runs",
			Summary: "Get a run", Response: domain.PipelineRun{}},
		openapi.Operation{Method: http.MethodPost, Path: "/api/v1/runs/{id}/cancel", ID: "cancelRun", Tag: "Runs",
			Summary: "Cancel an active run", Status: http.StatusAccepted},
		openapi.Operation{Method: http.MethodGet, Path: "/api/v1/runs/{id}/events", ID: "streamRunEvents", Tag: "Runs",
			Summary: "WebSocket stream of progress events", Response: domain.ProgressEvent{},
			Status: http.StatusSwitchingProtocols},
		openapi.Operation{Method: http.MethodGet, Path: "/api/v1/runs/{id}/metrics", ID: "getRunMetrics", Tag: "Metrics",
			Summary: "Metrics of a recent run", Response: domain.RunMetrics{}},
		openapi.Operation{Method: http.MethodGet, Path: "/api/v1/metrics", ID: "getMetrics", Tag: "Metrics",
			Summary: "Aggregate metrics", Response: MetricsResponse{}},
	)
	return g
}

// requestDoc documents the union accepted by /api/v1/requests.
type requestDoc struct {
	Type            domain.RequestType `json:"type"`
	SourceReference string             `json:"source_reference,omitempty"`
	Branch          string             `json:"branch,omitempty"`
	ServiceName     string             `json:"service_name,omitempty"`
	Options         *domain.RunOptions `json:"options,omitempty"`
	Owner           string             `json:"owner,omitempty"`
	Limit           int                `json:"limit,omitempty"`
}
