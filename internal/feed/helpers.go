package feed

import (
	"encoding/json"
	"net/http"

	"github.com/rendis/flowcore/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFlowError maps a FlowError code to an HTTP status.
func writeFlowError(w http.ResponseWriter, err error) {
	code := schema.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeInvalidTransition, schema.ErrCodeConflict:
		status = http.StatusConflict
	case schema.ErrCodeValidation:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}
