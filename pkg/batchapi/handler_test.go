package batchapi

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestRouter() chi.Router {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, nil, nil)
	router := chi.NewRouter()
	h.Register(router)
	return router
}

func do(t *testing.T, router chi.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func TestTriggerBatch_EmptyBody(t *testing.T) {
	w := do(t, newTestRouter(), http.MethodPost, "/batch/trigger-batch-call", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; body = %s", w.Code, w.Body.String())
	}
}

func TestTriggerBatch_EmptyEntries(t *testing.T) {
	// An empty entries list is a 400 at intake.
	w := do(t, newTestRouter(), http.MethodPost, "/batch/trigger-batch-call",
		`{"agent_id":"1","entries":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; body = %s", w.Code, w.Body.String())
	}
}

func TestTriggerBatch_InvalidEntryNumber(t *testing.T) {
	w := do(t, newTestRouter(), http.MethodPost, "/batch/trigger-batch-call",
		`{"agent_id":"1","entries":[{"to_number":"+14155552671"},{"to_number":"12345"}]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; body = %s", w.Code, w.Body.String())
	}
}

func TestTriggerBatch_MissingAgent(t *testing.T) {
	w := do(t, newTestRouter(), http.MethodPost, "/batch/trigger-batch-call",
		`{"entries":[{"to_number":"+14155552671"}]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; body = %s", w.Code, w.Body.String())
	}
}

func TestBatchStatus_InvalidID(t *testing.T) {
	w := do(t, newTestRouter(), http.MethodGet, "/batch/batch-status/not-a-uuid", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; body = %s", w.Code, w.Body.String())
	}
}

func TestBatchCancel_InvalidID(t *testing.T) {
	w := do(t, newTestRouter(), http.MethodPost, "/batch/batch-cancel/42", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; body = %s", w.Code, w.Body.String())
	}
}

func TestBatchCallLogs_InvalidID(t *testing.T) {
	w := do(t, newTestRouter(), http.MethodGet, "/batch-id/nope", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; body = %s", w.Code, w.Body.String())
	}
}

func TestBatchView_BadPagination(t *testing.T) {
	w := do(t, newTestRouter(), http.MethodGet, "/batch-view?page=-1", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; body = %s", w.Code, w.Body.String())
	}
}
