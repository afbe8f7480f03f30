package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPErrorAdapter_StatusCodeFor(t *testing.T) {
	adapter := NewHTTPErrorAdapter(slog.Default())

	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil error", nil, http.StatusOK},
		{"validation", ValidationError("bad input").Build(), http.StatusBadRequest},
		{"unauthorized", UnauthorizedError("not owner").Build(), http.StatusForbidden},
		{"not found", NotFoundError("missing").Build(), http.StatusNotFound},
		{"invalid state", InvalidStateError("terminal").Build(), http.StatusConflict},
		{"wrapped invalid state", fmt.Errorf("cancel: %w", InvalidStateError("terminal").Build()), http.StatusConflict},
		{"timeout", TimeoutError("readiness").Build(), http.StatusGatewayTimeout},
		{"process", ProcessError("exit 1").Build(), http.StatusUnprocessableEntity},
		{"storage", StorageError("db").Build(), http.StatusInternalServerError},
		{"unclassified", stderrors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := adapter.StatusCodeFor(tt.err); got != tt.expected {
				t.Errorf("StatusCodeFor() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestHTTPErrorAdapter_WriteErrorResponse(t *testing.T) {
	adapter := NewHTTPErrorAdapter(slog.Default())
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/1/cancel", nil)
	rec := httptest.NewRecorder()

	adapter.WriteErrorResponse(rec, req, InvalidStateError("job is already terminal").
		WithContext("status", "completed").
		Build())

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var body HTTPErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body.Code != string(CategoryInvalidState) || body.Error != "job is already terminal" {
		t.Errorf("unexpected body %+v", body)
	}
	if body.Details["status"] != "completed" {
		t.Errorf("expected details to carry context, got %v", body.Details)
	}
}

func TestHTTPErrorAdapter_FormatUnclassified(t *testing.T) {
	adapter := NewHTTPErrorAdapter(nil)
	resp := adapter.FormatErrorResponse(stderrors.New("plain"))
	if resp.Error != "plain" || resp.Code != "" || resp.Retryable {
		t.Errorf("unexpected response %+v", resp)
	}
}
