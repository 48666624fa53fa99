package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/flowpilot/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body map[string]string
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewWorkflowNotFoundError("core.missing"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != model.ErrWorkflowNotFound {
		t.Errorf("code = %q, want WORKFLOW_NOT_FOUND", resp.Error.Code)
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("start: %w", model.NewWorkerTimeoutError("query")))

	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", w.Code)
	}
}

func TestWriteError_nonEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("something went wrong"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
}

func TestWriteValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteValidationError(w, []model.FieldError{
		{Field: "phases[0].tasks", Code: "MIN_TASKS", Message: "at least 2 tasks required"},
	})
	if w.Code != 422 {
		t.Errorf("status = %d, want 422", w.Code)
	}
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Error.Details) != 1 || resp.Error.Details[0].Code != "MIN_TASKS" {
		t.Errorf("details = %+v", resp.Error.Details)
	}
}

func TestStatusForCode_coverage(t *testing.T) {
	codes := []struct {
		code   string
		status int
	}{
		{model.ErrBadRequest, 400},
		{model.ErrNotFound, 404},
		{model.ErrConflict, 409},
		{model.ErrValidationError, 422},
		{model.ErrInternalError, 500},
		{model.ErrWorkerUnavailable, 502},
		{model.ErrWorkerTimeout, 504},
		{model.ErrWorkflowNotFound, 404},
		{model.ErrWorkflowDisabled, 409},
		{model.ErrExecutionNotFound, 404},
		{"SOMETHING_ELSE", 500},
	}
	for _, tc := range codes {
		t.Run(tc.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, &model.ErrorEnvelope{Code: tc.code, Message: "test"})
			if w.Code != tc.status {
				t.Errorf("status for %s = %d, want %d", tc.code, w.Code, tc.status)
			}
		})
	}
}
