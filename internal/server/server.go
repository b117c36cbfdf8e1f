package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"orderline/internal/engine"
	"orderline/internal/orchestrator"
	"orderline/internal/poller"
	"orderline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine       engine.Engine
	Orchestrator *orchestrator.Orchestrator
	Poller       *poller.Supervisor
	Log          logrus.FieldLogger
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid task status transition for T1: QUEUED -> COMPLETED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the orderline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Orchestrator == nil || cfg.Poller == nil {
		return nil, errors.New("orchestrator and poller are required")
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation errors are plain bad requests.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Orderline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Orchestrator, cfg.Poller)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerJobs(group, cfg.Orchestrator)
	registerPolling(group, cfg.Poller)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"status": ww.Status(),
			}).Debug("request")
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
	var te *engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"task_id": te.TaskID, "from": te.From, "to": te.To})
	}
	var de *engine.DependencyError
	if errors.As(err, &de) {
		return newAPIError(http.StatusConflict, "dependencies_incomplete", err.Error(), map[string]any{"task_id": de.TaskID, "pending": de.Pending})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, orchestrator.ErrUnknownExecution):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrDependenciesIncomplete):
		return newAPIError(http.StatusConflict, "dependencies_incomplete", err.Error(), nil)
	case errors.Is(err, engine.ErrDependenciesComplete):
		return newAPIError(http.StatusConflict, "dependencies_complete", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		return newAPIError(http.StatusConflict, "already_running", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "not configured"),
		strings.Contains(lowered, "not in project"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type healthBody struct {
	Status      string `json:"status" example:"ok"`
	RunningJobs int    `json:"running_jobs"`
	Polling     int    `json:"polling_sessions"`
}

type healthResponse struct {
	Body healthBody `json:"body"`
}

func registerHealth(api huma.API, orch *orchestrator.Orchestrator, poll *poller.Supervisor) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check with runtime counters",
	}, func(ctx context.Context, _ *struct{}) (*healthResponse, error) {
		return &healthResponse{Body: healthBody{
			Status:      "ok",
			RunningJobs: len(orch.Running()),
			Polling:     len(poll.Active()),
		}}, nil
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

// optional dereferences a request body that may be omitted.
func optional[T any](body *T) T {
	if body == nil {
		var zero T
		return zero
	}
	return *body
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
