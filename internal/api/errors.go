package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/lockin/internal/pipeline"
	"github.com/kalambet/lockin/internal/urlkey"
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

// serviceError maps an error from the pipeline onto the error envelope:
// malformed input is the caller's fault, anything else is ours.
func serviceError(w http.ResponseWriter, err error) {
	if isInputError(err) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
}

func isInputError(err error) bool {
	return errors.Is(err, urlkey.ErrInvalidURL) ||
		errors.Is(err, pipeline.ErrMissingTitle) ||
		errors.Is(err, pipeline.ErrInvalidMinutes)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
