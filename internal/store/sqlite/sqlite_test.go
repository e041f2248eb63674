package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/omriariav/FaceFindr/internal/face"
	"github.com/omriariav/FaceFindr/internal/match"
	"github.com/omriariav/FaceFindr/internal/reference"
	"github.com/omriariav/FaceFindr/internal/runner"
	"github.com/omriariav/FaceFindr/internal/store"
)

func openTestStore(t *testing.T) (*store.SQLStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.db")
	s, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpen_MigratesOnce(t *testing.T) {
	s, path := openTestStore(t)
	versions, err := store.MigrationsApplied(context.Background(), s.DB())
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 || versions[0] != "001_runs.sql" {
		t.Errorf("unexpected migrations: %v", versions)
	}
	s.Close()

	again, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if versions, _ := store.MigrationsApplied(context.Background(), again.DB()); len(versions) != 1 {
		t.Errorf("expected migrations to be applied once, got %v", versions)
	}
}

func TestRunLifecycle(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	started := time.UnixMilli(1_700_000_000_000)

	err := s.StartRun(ctx, store.Run{
		ID: "run-1", State: runner.StateRunning, Threshold: 0.8, Metric: "euclidean",
		References: []string{"/refs/a.jpg", "/refs/b.jpg"}, Stats: runner.Stats{Total: 3}, StartedAt: started,
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	results := []match.Result{
		{CandidatePath: "/p/1.jpg", Score: 0.91, Tier: match.Matched, ReferencePath: "/refs/a.jpg", Faces: 1},
		{CandidatePath: "/p/2.jpg", NoFace: true, Tier: match.NotMatched},
		{CandidatePath: "/p/3.jpg", Score: 0.75, Tier: match.AlmostMatched, ReferencePath: "/refs/b.jpg", Faces: 2},
	}
	for i, r := range results {
		if err := s.SaveResult(ctx, "run-1", i+1, r); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
	}
	if err := s.SaveError(ctx, "run-1", 1, runner.PhotoError{Path: "/p/4.jpg", Kind: "decode", Error: "decode error: corrupt"}); err != nil {
		t.Fatalf("SaveError: %v", err)
	}

	report := &runner.Report{
		RunID: "run-1", State: runner.StateCompleted,
		Stats:      runner.Stats{Total: 4, TotalSeen: 4, Matched: 1, AlmostMatched: 1, NotMatched: 1, Errors: 1, Elapsed: 1500 * time.Millisecond},
		FinishedAt: started.Add(2 * time.Second),
	}
	if err := s.FinishRun(ctx, report); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.State != runner.StateCompleted || run.Stats.Errors != 1 || run.Stats.Elapsed != 1500*time.Millisecond {
		t.Errorf("unexpected run: %+v", run)
	}
	if !run.StartedAt.Equal(started) || len(run.References) != 2 {
		t.Errorf("unexpected run metadata: %+v", run)
	}

	all, err := s.Results(ctx, "run-1", store.ResultFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 results, got %d", len(all))
	}
	for i := range results {
		if all[i] != results[i] {
			t.Errorf("result %d: expected %+v, got %+v", i, results[i], all[i])
		}
	}

	almost, err := s.Results(ctx, "run-1", store.ResultFilter{Tier: match.AlmostMatched})
	if err != nil {
		t.Fatal(err)
	}
	if len(almost) != 1 || almost[0].CandidatePath != "/p/3.jpg" {
		t.Errorf("unexpected filtered results: %+v", almost)
	}

	page, err := s.Results(ctx, "run-1", store.ResultFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].CandidatePath != "/p/2.jpg" {
		t.Errorf("unexpected page: %+v", page)
	}

	errs, err := s.Errors(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs[0].Kind != "decode" {
		t.Errorf("unexpected errors: %+v", errs)
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for i, id := range []string{"old", "new"} {
		if err := s.StartRun(ctx, store.Run{ID: id, State: runner.StateRunning, Metric: "euclidean", StartedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "new" || runs[1].ID != "old" {
		t.Errorf("unexpected order: %+v", runs)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.GetRun(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecorder_WithRunner(t *testing.T) {
	s, _ := openTestStore(t)
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	enc := face.EncoderFunc(func(ctx context.Context, data []byte) ([]face.Face, error) {
		switch string(data) {
		case "ref", "same":
			return []face.Face{{Embedding: []float32{1, 0}}}, nil
		case "none":
			return nil, nil
		}
		return nil, face.NewDecodeError("corrupt", nil)
	})

	ref := write("ref.jpg", "ref")
	refs, err := reference.Build(context.Background(), enc, nil, ref)
	if err != nil {
		t.Fatal(err)
	}
	r, err := runner.New(enc, refs, runner.DefaultOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	r.AddObserver(store.NewRecorder(context.Background(), s, 0.8, match.Euclidean, refs.Paths(), nil))

	paths := []string{write("a.jpg", "same"), write("b.jpg", "none"), write("c.jpg", "bad")}
	report, err := r.Run(context.Background(), paths)
	if err != nil {
		t.Fatal(err)
	}

	run, err := s.GetRun(context.Background(), report.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.State != runner.StateCompleted || run.Stats.Matched != 1 || run.Stats.NotMatched != 1 || run.Stats.Errors != 1 {
		t.Errorf("unexpected stored run: %+v", run.Stats)
	}
	stored, err := s.Results(context.Background(), report.RunID, store.ResultFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Errorf("expected 2 stored results, got %d", len(stored))
	}
	errs, _ := s.Errors(context.Background(), report.RunID)
	if len(errs) != 1 || errs[0].Path != paths[2] {
		t.Errorf("unexpected stored errors: %+v", errs)
	}
}

func TestRebind(t *testing.T) {
	got := store.Dollar.Rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("unexpected rebind: %s", got)
	}
	if store.QuestionMark.Rebind("a = ?") != "a = ?" {
		t.Error("question mark dialect should not rewrite")
	}
}
