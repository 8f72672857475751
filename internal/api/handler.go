package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlapi/sqlapi/internal/batch"
	"github.com/sqlapi/sqlapi/internal/config"
	"github.com/sqlapi/sqlapi/internal/observability"
	"github.com/sqlapi/sqlapi/internal/query"
	"github.com/sqlapi/sqlapi/internal/requestlog"
)

const defaultDependencyTimeout = 2 * time.Second

type ReadinessCheck func(ctx context.Context) error

// JobScheduler is the batch surface the job endpoints drive.
type JobScheduler interface {
	CreateJob(ctx context.Context, submission batch.Submission) (batch.JobHandle, error)
	GetJob(ctx context.Context, id string) (batch.Snapshot, error)
	Cancel(ctx context.Context, id string) (batch.Snapshot, error)
	List(ctx context.Context, owner string, limit int) ([]batch.Snapshot, error)
	Draining() bool
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	QueryEngine       query.Engine
	Jobs              JobScheduler
	RequestLog        *requestlog.Reporter
	JobRateLimiter    *RateLimiter
	// StatementTimeout bounds direct queries. Zero leaves them unbounded.
	StatementTimeout time.Duration
}

type depsHandler func(Dependencies, http.ResponseWriter, *http.Request)

// apiRoutes are the authenticated endpoints.
var apiRoutes = []struct {
	pattern     string
	handle      depsHandler
	rateLimited bool
}{
	{pattern: "GET /api/v1/sql", handle: handleQuery},
	{pattern: "POST /api/v1/sql", handle: handleQuery},
	{pattern: "POST /api/v1/sql/job", handle: handleCreateJob, rateLimited: true},
	{pattern: "GET /api/v1/sql/job", handle: handleListJobs},
	{pattern: "GET /api/v1/sql/job/{id}", handle: handleGetJob},
	{pattern: "DELETE /api/v1/sql/job/{id}", handle: handleCancelJob},
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})
	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		handleReady(deps, w, r)
	})
	mux.Handle("GET /v1/metrics", promhttp.Handler())

	guard := authGuard(cfg.Auth.Required, deps)
	for _, route := range apiRoutes {
		var h http.Handler = bind(deps, route.handle)
		if route.rateLimited && deps.JobRateLimiter != nil {
			h = deps.JobRateLimiter.Middleware(h)
		}
		mux.Handle(route.pattern, guard(h))
	}

	stack := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.TracingMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		stack = append(stack, observability.LoggingMiddleware(deps.Logger))
	}
	var handler http.Handler = mux
	for i := len(stack) - 1; i >= 0; i-- {
		handler = stack[i](handler)
	}
	return handler
}

func bind(deps Dependencies, handle depsHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handle(deps, w, r)
	})
}

// authGuard wraps API routes in the configured auth middleware. When auth is
// required but no middleware was supplied every API request fails closed.
func authGuard(required bool, deps Dependencies) func(http.Handler) http.Handler {
	switch {
	case !required:
		return func(next http.Handler) http.Handler { return next }
	case deps.AuthMiddleware != nil:
		return deps.AuthMiddleware
	}
	if deps.Logger != nil {
		deps.Logger.Error("auth required but auth middleware missing")
	}
	return func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
		})
	}
}

func handleReady(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Jobs != nil && deps.Jobs.Draining() {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEDULER_DRAINING", batch.ErrSchedulerDraining.Error(), true, nil)
		return
	}
	if deps.Readiness != nil {
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = defaultDependencyTimeout
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func CheckDatabase(ping func(ctx context.Context) error) ReadinessCheck {
	return func(ctx context.Context) error {
		if ping == nil {
			return errors.New("database is not configured")
		}
		return ping(ctx)
	}
}

// CombineReadinessChecks runs checks in order and returns the first failure.
func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

type errorBody struct {
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Context   map[string]any `json:"context"`
	TraceID   string         `json:"trace_id"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, errorBody{
		ErrorCode: code,
		Message:   message,
		Retryable: retryable,
		Context:   extra,
		TraceID:   observability.TraceIDFromContext(ctx),
	})
}
