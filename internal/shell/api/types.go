package api

import (
	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Response Types
// =============================================================================

// RunAcceptedResponse is returned when a run has been started.
type RunAcceptedResponse struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	EventsURL string `json:"events_url"`
	RunURL    string `json:"run_url"`
}

// ListRunsResponse is the response for listing runs.
type ListRunsResponse struct {
	Runs   []domain.PipelineRun `json:"runs"`
	Total  int                  `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// MetricsResponse summarizes completed runs and those in flight.
type MetricsResponse struct {
	Aggregate  domain.AggregateMetrics `json:"aggregate"`
	ActiveRuns []string                `json:"active_runs"`
}

// ReposResponse answers a list_repos request.
type ReposResponse struct {
	Repositories []domain.Repository `json:"repositories"`
}

// LogsResponse answers a logs request.
type LogsResponse struct {
	ServiceName string   `json:"service_name"`
	Lines       []string `json:"lines"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error    string   `json:"error"`
	Code     string   `json:"code"`
	Stage    string   `json:"stage,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
