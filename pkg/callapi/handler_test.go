package callapi

import (
	"encoding/json"
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
	h := NewHandler(logger, nil, nil, nil, nil, nil)
	router := chi.NewRouter()
	h.Register(router)
	return router
}

func postJSON(t *testing.T, router chi.Router, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func TestStartCall_EmptyBody(t *testing.T) {
	w := postJSON(t, newTestRouter(), "/calls/start-call", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestStartCall_MissingToNumber(t *testing.T) {
	w := postJSON(t, newTestRouter(), "/calls/start-call", `{"agent_id":"1"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestStartCall_InvalidE164(t *testing.T) {
	for _, num := range []string{"12345", "+0123456", "4155552671", "+1415555267a"} {
		w := postJSON(t, newTestRouter(), "/calls/start-call",
			`{"to_number":"`+num+`","agent_id":"1"}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("to_number %q: status = %d, want 400", num, w.Code)
		}
	}
}

func TestStartCall_RejectsUnknownFields(t *testing.T) {
	w := postJSON(t, newTestRouter(), "/calls/start-call",
		`{"to_number":"+14155552671","agent_id":"1","surprise":"field"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown field; body = %s", w.Code, w.Body.String())
	}
}

func TestStartCall_ErrorEnvelopeShape(t *testing.T) {
	w := postJSON(t, newTestRouter(), "/calls/start-call", `{}`)

	var resp struct {
		Success bool `json:"success"`
		Error   struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshaling error envelope: %v", err)
	}
	if resp.Success {
		t.Error("success = true on validation failure")
	}
	if resp.Error.Kind != "validation" {
		t.Errorf("error kind = %q, want validation", resp.Error.Kind)
	}
}

func TestV1TriggerCall_CamelCaseAccepted(t *testing.T) {
	// The v1 shim validates the camelCase shape; snake_case fields are
	// unknown fields there and must be rejected.
	w := postJSON(t, newTestRouter(), "/calls/trigger-call",
		`{"to_number":"+14155552671","agent_id":"1"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("snake_case on v1 path: status = %d, want 400", w.Code)
	}

	w = postJSON(t, newTestRouter(), "/calls/trigger-call", `{"phoneNumber":"bad","agentId":"1"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid phoneNumber: status = %d, want 400", w.Code)
	}
}

func TestProviderCallback_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"missing status", `{"call_log_id":"7b9460b9-7b8a-4c4e-9f9c-3f1d2a6b8c01"}`},
		{"bad uuid", `{"call_log_id":"not-a-uuid","status":"completed"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, newTestRouter(), "/calls/provider-callback", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestResolveTimezonePrecedence(t *testing.T) {
	newReq := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/calls/start-call", nil)
		return r
	}

	r := newReq()
	if tz := resolveTimezone(r, ""); tz != "" {
		t.Errorf("no sources: tz = %q, want empty", tz)
	}

	r = newReq()
	r.AddCookie(&http.Cookie{Name: "timezone", Value: "Europe/Berlin"})
	if tz := resolveTimezone(r, ""); tz != "Europe/Berlin" {
		t.Errorf("cookie: tz = %q", tz)
	}

	r.Header.Set("X-Timezone", "Asia/Dubai")
	if tz := resolveTimezone(r, ""); tz != "Asia/Dubai" {
		t.Errorf("header beats cookie: tz = %q", tz)
	}

	if tz := resolveTimezone(r, "America/New_York"); tz != "America/New_York" {
		t.Errorf("body beats header: tz = %q", tz)
	}
}
