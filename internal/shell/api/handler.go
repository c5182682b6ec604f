// Package api provides the HTTP handlers of the Shipyard engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/artpar/shipyard/internal/core/domain"
	authmw "github.com/artpar/shipyard/internal/shell/api/middleware"
	"github.com/artpar/shipyard/internal/shell/api/openapi"
	"github.com/artpar/shipyard/internal/shell/service"
	"github.com/artpar/shipyard/internal/shell/store"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 1 << 20

// =============================================================================
// Dependencies
// =============================================================================

// Service is the engine behind the API.
type Service interface {
	Handle(ctx context.Context, req domain.Request) (any, error)
	StartRun(ctx context.Context, req domain.DeployRequest) (string, error)
	Cancel(id string) error
	GetRun(ctx context.Context, id string) (*domain.PipelineRun, error)
	ListRuns(ctx context.Context, filter store.RunFilter, opts store.ListOptions) ([]domain.PipelineRun, error)
	Subscribe(id string) (<-chan domain.ProgressEvent, func(), error)
	RunMetrics(id string) (domain.RunMetrics, bool)
	Aggregate() domain.AggregateMetrics
	Active() []string
}

// Checker reports whether a dependency is usable.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// Config holds configuration for the handler.
type Config struct {
	// AuthToken protects every route except health, readiness and the
	// OpenAPI document. Empty disables auth.
	AuthToken string
	// Gatherer serves /metrics in the Prometheus format when set.
	Gatherer prometheus.Gatherer
	// Checks are run by /ready.
	Checks map[string]Checker
	// AllowedOrigins are accepted on WebSocket handshakes in addition to
	// same-origin requests. "*" accepts any origin.
	AllowedOrigins []string
	MaxBodyBytes   int64
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	svc      Service
	config   Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	openapi  *openapi.Generator
}

// NewHandler creates a new API handler.
func NewHandler(svc Service, config Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	h := &Handler{
		svc:    svc,
		config: config,
		logger: logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if len(config.AllowedOrigins) > 0 {
		h.upgrader.CheckOrigin = h.checkOrigin
	}
	h.openapi = newOpenAPI()
	return h
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDHeader)
	r.Use(authmw.NewAuthMiddleware(authmw.AuthConfig{
		Token:  h.config.AuthToken,
		Public: []string{"/health", "/ready", "/openapi.json"},
		Logger: h.logger,
	}).Handler)
	r.Use(h.jsonContentType)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Get("/openapi.json", h.openapi.Handler())
	if h.config.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.config.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/requests", h.handleRequest)
		r.Get("/metrics", h.handleMetrics)

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", h.handleStartRun)
			r.Get("/", h.handleListRuns)
			r.Get("/{id}", h.handleGetRun)
			r.Post("/{id}/cancel", h.handleCancelRun)
			r.Get("/{id}/events", h.handleEvents)
			r.Get("/{id}/metrics", h.handleRunMetrics)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	for _, o := range h.config.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.config.Checks))
	ready := true
	for name, c := range h.config.Checks {
		if err := c.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "check", name, "error", err)
			checks[name] = "failed"
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
		return
	}
	h.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// =============================================================================
// Request Handlers
// =============================================================================

func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	req, err := DecodeRequest(body)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	out, err := h.svc.Handle(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	switch v := out.(type) {
	case service.RunAccepted:
		h.writeJSON(w, http.StatusAccepted, accepted(v.RunID))
	case []domain.Repository:
		h.writeJSON(w, http.StatusOK, ReposResponse{Repositories: v})
	case []string:
		lr, _ := req.(domain.LogsRequest)
		h.writeJSON(w, http.StatusOK, LogsResponse{ServiceName: lr.ServiceName, Lines: v})
	default:
		h.writeJSON(w, http.StatusOK, v)
	}
}

// =============================================================================
// Run Handlers
// =============================================================================

func (h *Handler) handleStartRun(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	req, err := DecodeDeployRequest(body)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	id, err := h.svc.StartRun(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, accepted(id))
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.DefaultListOptions()
	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	opts = opts.Normalize()

	filter := store.RunFilter{ServiceName: q.Get("service")}
	if status := q.Get("status"); status != "" {
		filter.Status = domain.RunStatus(status)
		if !filter.Status.Terminal() && filter.Status != domain.RunInProgress {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status), "validation_error")
			return
		}
	}

	runs, err := h.svc.ListRuns(r.Context(), filter, opts)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list runs", "internal_error")
		return
	}
	out := make([]domain.PipelineRun, 0, len(runs))
	for i := range runs {
		out = append(out, *runs[i].Redacted())
	}
	h.writeJSON(w, http.StatusOK, ListRunsResponse{
		Runs:   out,
		Total:  len(out),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run.Redacted())
}

func (h *Handler) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Cancel(id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

func (h *Handler) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	m, ok := h.svc.RunMetrics(chi.URLParam(r, "id"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "no metrics for run", "run_not_found")
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	active := h.svc.Active()
	if active == nil {
		active = []string{}
	}
	h.writeJSON(w, http.StatusOK, MetricsResponse{Aggregate: h.svc.Aggregate(), ActiveRuns: active})
}

// =============================================================================
// Helpers
// =============================================================================

func accepted(id string) RunAcceptedResponse {
	return RunAcceptedResponse{
		RunID:     id,
		Status:    string(domain.RunInProgress),
		RunURL:    "/api/v1/runs/" + id,
		EventsURL: "/api/v1/runs/" + id + "/events",
	}
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "validation_error")
			return nil, false
		}
		h.writeError(w, http.StatusBadRequest, "failed to read body", "validation_error")
		return nil, false
	}
	if !json.Valid(body) {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return nil, false
	}
	return body, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeServiceError maps engine errors to HTTP responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.writeJSON(w, status, resp)
}

func errorResponse(err error) (int, ErrorResponse) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, ErrorResponse{Error: "invalid request", Code: "validation_error", Problems: ve.Problems}
	}
	switch {
	case errors.Is(err, service.ErrRunNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "run not found", Code: "run_not_found"}
	case errors.Is(err, service.ErrRunNotActive):
		return http.StatusConflict, ErrorResponse{Error: "run is not active", Code: "run_not_active"}
	case errors.Is(err, service.ErrShuttingDown):
		return http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "shutting_down"}
	case errors.Is(err, service.ErrNotConfigured):
		return http.StatusNotImplemented, ErrorResponse{Error: err.Error(), Code: "not_configured"}
	}

	var se *domain.StageError
	if !errors.As(err, &se) {
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal_error"}
	}
	resp := ErrorResponse{Error: se.Error(), Stage: string(se.Stage)}
	switch se.Kind {
	case domain.KindConfiguration:
		resp.Code = "configuration_error"
		return http.StatusUnprocessableEntity, resp
	case domain.KindTransientIO:
		resp.Code = "transient_error"
		return http.StatusServiceUnavailable, resp
	case domain.KindCancelled:
		resp.Code = "cancelled"
		return http.StatusConflict, resp
	default:
		resp.Code = "backend_error"
		return http.StatusBadGateway, resp
	}
}
