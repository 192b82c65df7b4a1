package feed

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// handleGetRun returns the persisted run record.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleCancelRun cancels a non-terminal run. The body is optional.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Reason == "" {
		body.Reason = "cancelled via api"
	}

	run, err := s.deps.Runs.Cancel(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
