package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hellio/hrchat/internal/chat"
)

const maxAskBodyBytes = 64 << 10

type askRequest struct {
	Question string `json:"question"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Chat == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat service is not configured", false, nil)
		return
	}

	var request askRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAskBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid chat request body", false, map[string]any{"details": err.Error()})
		return
	}

	response, err := deps.Chat.Ask(r.Context(), request.Question)
	if err != nil {
		writeAskError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func writeAskError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, chat.ErrEmptyQuestion):
		writeError(ctx, w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	case errors.Is(err, chat.ErrQuestionTooLong):
		writeError(ctx, w, http.StatusBadRequest, "QUESTION_TOO_LONG", "question is too long", false, nil)
		return
	}

	var chatErr *chat.Error
	if !errors.As(err, &chatErr) {
		if deps.Logger != nil {
			deps.Logger.ErrorContext(ctx, "chat request failed", slog.Any("error", err))
		}
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "unexpected error", true, nil)
		return
	}

	status, code := http.StatusInternalServerError, "EXECUTION_FAILED"
	switch chatErr.Kind {
	case chat.KindValidationRejected:
		status, code = http.StatusUnprocessableEntity, "QUERY_REJECTED"
	case chat.KindGenerationFailed:
		status, code = http.StatusBadGateway, "GENERATION_FAILED"
	case chat.KindAnswerGenerationFailed:
		status, code = http.StatusBadGateway, "ANSWER_GENERATION_FAILED"
	case chat.KindExecutionTimeout:
		status, code = http.StatusGatewayTimeout, "EXECUTION_TIMEOUT"
	}
	if chatErr.Temporary() {
		status, code = http.StatusServiceUnavailable, "TEMPORARILY_UNAVAILABLE"
	}
	retryable := chatErr.Temporary() || chatErr.Kind == chat.KindExecutionTimeout
	writeError(ctx, w, status, code, chatErr.UserMessage(), retryable, map[string]any{"error_kind": chatErr.Kind})
}

func handleExamples(deps Dependencies, w http.ResponseWriter, _ *http.Request) {
	examples := deps.Examples
	if examples == nil {
		examples = []chat.ExampleCategory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"examples": examples})
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema provider is not configured", false, nil)
		return
	}
	descriptor, err := deps.Schema.Current(r.Context())
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "schema load failed", slog.Any("error", err))
		}
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", "database schema is not available", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, descriptor)
}

func handleSchemaRefresh(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.SchemaRefresher == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_REFRESH_NOT_CONFIGURED", "schema refresh is not configured", false, nil)
		return
	}
	descriptor, err := deps.SchemaRefresher.Refresh(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_REFRESH_FAILED", "failed to refresh database schema", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schema":    descriptor.SchemaName,
		"tables":    len(descriptor.Tables),
		"loaded_at": descriptor.LoadedAt,
	})
}
