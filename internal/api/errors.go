package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/casepipe/internal/pipeline"
	"github.com/kalambet/casepipe/internal/storage"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeError maps pipeline and storage failures to HTTP responses. Only
// messages built by this module reach the client; extraction, analysis and
// persistence failures get a fixed text.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%s", err.Error())
	case errors.Is(err, storage.ErrConflict):
		httpError(w, http.StatusConflict, "conflict_error", "%s", err.Error())
	case errors.Is(err, pipeline.ErrTooLarge):
		httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "%s", err.Error())
	case errors.Is(err, pipeline.ErrValidation):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", err.Error())
	case errors.Is(err, pipeline.ErrAnalysisFailed):
		httpError(w, http.StatusBadGateway, "analysis_error", "analysis failed")
	case errors.Is(err, pipeline.ErrExtraction):
		httpError(w, http.StatusInternalServerError, "extraction_error", "extraction failed")
	case errors.Is(err, pipeline.ErrPersistence):
		httpError(w, http.StatusInternalServerError, "api_error", "storage unavailable")
	default:
		logger.Error("unhandled request error", "err", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
