package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/omriariav/FaceFindr/internal/face"
	"github.com/omriariav/FaceFindr/internal/match"
	"github.com/omriariav/FaceFindr/internal/output"
	"github.com/omriariav/FaceFindr/internal/pipeline"
	"github.com/omriariav/FaceFindr/internal/runner"
	"github.com/omriariav/FaceFindr/internal/store"
	"github.com/omriariav/FaceFindr/internal/store/sqlite"
	"github.com/omriariav/FaceFindr/internal/web/handlers"
)

var fakeEncoder = face.EncoderFunc(func(ctx context.Context, data []byte) ([]face.Face, error) {
	content := strings.TrimSpace(string(data))
	if content == "none" {
		return nil, nil
	}
	var vec []float32
	for _, part := range strings.Split(content, ",") {
		v, err := strconv.ParseFloat(part, 32)
		if err != nil {
			return nil, face.NewDecodeError("bad test vector", err)
		}
		vec = append(vec, float32(v))
	}
	return []face.Face{{Embedding: vec}}, nil
})

type testEnv struct {
	server   *Server
	store    store.Store
	refDir   string
	photoDir string
	outBase  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		refDir:   filepath.Join(root, "refs"),
		photoDir: filepath.Join(root, "photos"),
		outBase:  filepath.Join(root, "out"),
	}
	for _, d := range []string{env.refDir, env.photoDir} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	files := map[string]string{
		filepath.Join(env.refDir, "ref.jpg"):   "1,0",
		filepath.Join(env.photoDir, "a.jpg"):   "1,0",
		filepath.Join(env.photoDir, "b.jpg"):   "none",
		filepath.Join(env.photoDir, "c.jpg"):   "0.75,0",
		filepath.Join(env.photoDir, "bad.jpg"): "x",
	}
	for p, c := range files {
		if err := os.WriteFile(p, []byte(c), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s, err := sqlite.Open(context.Background(), filepath.Join(root, "results.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	env.store = s

	prepare := func(ctx context.Context, req handlers.RunRequest) (*pipeline.Run, error) {
		opts := runner.DefaultOptions()
		if req.Threshold != nil {
			opts.Threshold = *req.Threshold
		}
		out := req.Output
		if out == "" {
			out = env.outBase
		}
		return pipeline.Prepare(ctx, pipeline.Params{
			Photos: req.Photos, References: req.References, Options: opts, Output: out, DryRun: req.DryRun,
		}, pipeline.Deps{
			Encoder: fakeEncoder,
			OpenStore: func(context.Context, *output.Layout) (store.Store, error) {
				return pipeline.NopCloser(s), nil
			},
		})
	}
	env.server = NewServer("127.0.0.1", 0, prepare, s, nil)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) startRun(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/runs", handlers.RunRequest{
		Photos: []string{e.photoDir}, References: []string{e.refDir},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		RunID string `json:"run_id"`
		Total int    `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 4 {
		t.Errorf("expected 4 photos, got %d", resp.Total)
	}

	job := e.server.RunManager().GetJob(resp.RunID)
	if job == nil {
		t.Fatal("run not registered")
	}
	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
	return resp.RunID
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRunLifecycle(t *testing.T) {
	env := newTestEnv(t)
	runID := env.startRun(t)

	rec := env.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view handlers.RunJobView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.State != runner.StateCompleted {
		t.Errorf("expected completed, got %s", view.State)
	}
	if view.Stats.Matched != 1 || view.Stats.AlmostMatched != 1 || view.Stats.NotMatched != 1 || view.Stats.Errors != 1 {
		t.Errorf("unexpected stats: %+v", view.Stats)
	}
	if len(view.Errors) != 1 || !strings.HasSuffix(view.Errors[0].Path, "bad.jpg") {
		t.Errorf("unexpected errors: %+v", view.Errors)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/results?tier=matched", nil)
	var results []match.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || !strings.HasSuffix(results[0].CandidatePath, "a.jpg") {
		t.Errorf("unexpected matched results: %+v", results)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/results?tier=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown tier, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/runs/"+runID, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 cancelling a finished run, got %d", rec.Code)
	}

	stored, err := env.store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("run not persisted: %v", err)
	}
	if stored.State != runner.StateCompleted {
		t.Errorf("expected stored state completed, got %s", stored.State)
	}
}

func TestRunList(t *testing.T) {
	env := newTestEnv(t)
	runID := env.startRun(t)

	rec := env.do(t, http.MethodGet, "/api/v1/runs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0]["run_id"] != runID {
		t.Errorf("expected the run exactly once, got %v", list)
	}
}

func TestEvents_FinishedRun(t *testing.T) {
	env := newTestEnv(t)
	runID := env.startRun(t)

	rec := env.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/events", nil)
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream, got %q", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "event: status\n") || !strings.Contains(body, `"state":"completed"`) {
		t.Errorf("unexpected stream: %s", body)
	}
}

func TestStartRun_Errors(t *testing.T) {
	env := newTestEnv(t)
	emptyRefs := t.TempDir()
	if err := os.WriteFile(filepath.Join(emptyRefs, "x.jpg"), []byte("none"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		body any
		want int
	}{
		{"bad json", "not an object", http.StatusBadRequest},
		{"missing photos", handlers.RunRequest{References: []string{env.refDir}}, http.StatusBadRequest},
		{"missing references", handlers.RunRequest{Photos: []string{env.photoDir}}, http.StatusBadRequest},
		{"missing path", handlers.RunRequest{Photos: []string{filepath.Join(env.photoDir, "nope")}, References: []string{env.refDir}}, http.StatusBadRequest},
		{"empty reference set", handlers.RunRequest{Photos: []string{env.photoDir}, References: []string{emptyRefs}}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/runs", tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestStartRun_RejectsNonJSONBody(t *testing.T) {
	env := newTestEnv(t)
	out := filepath.Join(t.TempDir(), "cross_site")
	body := `{"photos":["` + env.photoDir + `"],"references":["` + env.refDir + `"],"output":"` + out + `"}`

	for _, contentType := range []string{"text/plain", "application/x-www-form-urlencoded", "multipart/form-data; boundary=x"} {
		t.Run(contentType, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body))
			req.Header.Set("Content-Type", contentType)
			req.Header.Set("Origin", "https://elsewhere.example")
			rec := httptest.NewRecorder()
			env.server.Router().ServeHTTP(rec, req)

			if rec.Code != http.StatusUnsupportedMediaType {
				t.Errorf("expected 415, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}

	matches, err := filepath.Glob(out + "_*")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("rejected requests created output directories: %v", matches)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected JSON with charset to be accepted, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if job := env.server.RunManager().GetJob(resp.RunID); job != nil {
		select {
		case <-job.Done():
		case <-time.After(10 * time.Second):
			t.Fatal("run did not finish")
		}
	}
}

func TestUnknownRun(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/v1/runs/nope", "/api/v1/runs/nope/results", "/api/v1/runs/nope/events"} {
		if rec := env.do(t, http.MethodGet, path, nil); rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/runs/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestStoredRunAfterRestart(t *testing.T) {
	env := newTestEnv(t)
	runID := env.startRun(t)

	// A fresh server over the same store only knows the run from storage.
	fresh := NewServer("127.0.0.1", 0, nil, env.store, nil)
	rec := httptest.NewRecorder()
	fresh.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+runID+"/results", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var results []match.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Errorf("expected 3 stored results, got %d", len(results))
	}
}
