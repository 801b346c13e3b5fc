package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hellio/hrchat/internal/auth"
	"github.com/hellio/hrchat/internal/chat"
	"github.com/hellio/hrchat/internal/config"
	"github.com/hellio/hrchat/internal/observability"
	"github.com/hellio/hrchat/internal/schema"
	"github.com/hellio/hrchat/internal/storage"
)

type ReadinessCheck func(ctx context.Context) error

// SchemaRefresher rebuilds the whitelist on demand, e.g. after the HR application migrated its tables.
type SchemaRefresher interface {
	Refresh(ctx context.Context) (schema.Descriptor, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Chat              chat.Asker
	Schema            schema.Provider
	SchemaRefresher   SchemaRefresher
	Examples          []chat.ExampleCategory
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := map[string]http.Handler{
		"POST /v1/chat/ask": auth.RequireRole(auth.RoleChatUser, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleAsk(deps, w, r)
		})),
		"GET /v1/chat/examples": auth.RequireRole(auth.RoleChatUser, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleExamples(deps, w, r)
		})),
		"GET /v1/chat/schema": auth.RequireRole(auth.RoleChatUser, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleSchema(deps, w, r)
		})),
		"POST /v1/chat/schema/refresh": auth.RequireRole(auth.RoleOperator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleSchemaRefresh(deps, w, r)
		})),
	}

	guard := func(next http.Handler) http.Handler { return next }
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			guard = func(http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
				})
			}
		} else {
			guard = deps.AuthMiddleware
		}
	}
	for pattern, handler := range protected {
		mux.Handle(pattern, guard(handler))
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckSchema loads the descriptor if no request has done so yet.
func CheckSchema(provider schema.Provider) ReadinessCheck {
	return func(ctx context.Context) error {
		if provider == nil {
			return errors.New("schema provider is not configured")
		}
		_, err := provider.Current(ctx)
		return err
	}
}

type pinger interface {
	PingContext(ctx context.Context) error
}

func CheckDatabase(db pinger) ReadinessCheck {
	return func(ctx context.Context) error {
		if db == nil {
			return errors.New("database is not configured")
		}
		return db.PingContext(ctx)
	}
}

func CheckObjectStore(store storage.ObjectStore) ReadinessCheck {
	return func(ctx context.Context) error {
		if store == nil {
			return errors.New("object store is not configured")
		}
		return store.Check(ctx)
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
