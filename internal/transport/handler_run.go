package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/flowpilot/model"
)

const maxRunBodyBytes = 1 << 20

// StartRunRequest is the optional body of POST /workflows/{workflowId}/runs.
type StartRunRequest struct {
	Input map[string]any `json:"input"`
}

// startRun handles POST /workflows/{workflowId}/runs. By default the call
// waits for the report; with ?async=true it answers 202 once the run has
// started.
func (h *handlers) startRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowId")

	var body StartRunRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRunBodyBytes))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		WriteBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		x, err := h.engine.Start(r.Context(), id, body.Input)
		if err != nil {
			WriteError(w, err)
			return
		}
		w.Header().Set("Location", "/runs/"+x.ID)
		WriteJSON(w, http.StatusAccepted, map[string]string{
			"execution_id": x.ID,
			"workflow_id":  x.WorkflowID,
		})
		return
	}

	report, err := h.engine.Run(r.Context(), id, body.Input)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

// getRun handles GET /runs/{executionId}.
func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionId")
	state, ok := h.engine.Snapshot(id)
	if !ok {
		WriteError(w, model.NewExecutionNotFoundError(id))
		return
	}
	WriteJSON(w, http.StatusOK, state)
}

// cancelRun handles DELETE /runs/{executionId}.
func (h *handlers) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionId")
	if err := h.engine.Cancel(id); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": id,
		"status":       "cancel_requested",
	})
}

// listRuns handles GET /runs, optionally filtered by ?workflow_id=.
func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.engine.Active(r.URL.Query().Get("workflow_id"))
	WriteJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}
