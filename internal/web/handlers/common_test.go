package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRespondJSON(t *testing.T) {
	tests := []struct {
		name   string
		status int
		data   any
		body   string
	}{
		{"object", http.StatusOK, map[string]int{"matched": 3}, `{"matched":3}`},
		{"array", http.StatusOK, []string{"a.jpg", "b.jpg"}, `["a.jpg","b.jpg"]`},
		{"nil", http.StatusAccepted, nil, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			respondJSON(rec, tc.status, tc.data)

			if rec.Code != tc.status {
				t.Errorf("status = %d, want %d", rec.Code, tc.status)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tc.body {
				t.Errorf("body = %q, want %q", got, tc.body)
			}
		})
	}
}

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	respondError(rec, http.StatusConflict, "destination is not writable")

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "destination is not writable" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"photos":["a.jpg"],"references":["r.jpg"]}`, false},
		{"unknown field", `{"photos":["a.jpg"],"bogus":1}`, true},
		{"malformed", `{"photos":`, true},
		{"too large", `{"photos":["` + strings.Repeat("x", maxRequestBody) + `"]}`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(tc.body))
			var v RunRequest
			err := decodeJSON(httptest.NewRecorder(), req, &v)
			if (err != nil) != tc.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestSanitizeForLog(t *testing.T) {
	if got := sanitizeForLog("bad\r\nline"); got != "badline" {
		t.Errorf("sanitizeForLog = %q", got)
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Health(NewRunManager(nil))(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["active_runs"] != float64(0) {
		t.Errorf("unexpected body %v", body)
	}
}
