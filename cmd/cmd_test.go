package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/omriariav/FaceFindr/internal/config"
	"github.com/omriariav/FaceFindr/internal/constants"
	"github.com/omriariav/FaceFindr/internal/face"
	"github.com/omriariav/FaceFindr/internal/match"
	"github.com/omriariav/FaceFindr/internal/pipeline"
	"github.com/omriariav/FaceFindr/internal/runner"
	"github.com/omriariav/FaceFindr/internal/web/handlers"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var vectorEncoder = face.EncoderFunc(func(ctx context.Context, data []byte) ([]face.Face, error) {
	var vec []float32
	for _, part := range strings.Split(strings.TrimSpace(string(data)), ",") {
		v, err := strconv.ParseFloat(part, 32)
		if err != nil {
			return nil, face.NewDecodeError("bad test vector", err)
		}
		vec = append(vec, float32(v))
	}
	return []face.Face{{Embedding: vec}}, nil
})

func newMatchCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "match"}
	registerMatchFlags(c)
	if err := c.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	return c
}

func TestApplyMatchFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Match.Threshold = 0.6
	cfg.Match.BatchSize = 7

	c := newMatchCommand(t, "--threshold", "0.75", "--metric", "cosine", "--timeout", "2s", "--dry-run")
	if err := applyMatchFlags(c, cfg); err != nil {
		t.Fatalf("applyMatchFlags: %v", err)
	}

	if cfg.Match.Threshold != 0.75 {
		t.Errorf("Threshold = %v, want 0.75", cfg.Match.Threshold)
	}
	if cfg.Match.Metric != "cosine" {
		t.Errorf("Metric = %q, want cosine", cfg.Match.Metric)
	}
	if cfg.Match.PhotoTimeout != 2*time.Second {
		t.Errorf("PhotoTimeout = %v, want 2s", cfg.Match.PhotoTimeout)
	}
	if !cfg.Match.DryRun {
		t.Error("DryRun = false, want true")
	}
	// unset flags keep configured values
	if cfg.Match.BatchSize != 7 {
		t.Errorf("BatchSize = %d, want 7", cfg.Match.BatchSize)
	}
}

func TestApplyMatchFlags_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"threshold above one", []string{"--threshold", "1.5"}},
		{"unknown metric", []string{"--metric", "manhattan"}},
		{"zero batch size", []string{"--batch-size", "0"}},
		{"zero concurrency", []string{"--concurrency", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := applyMatchFlags(newMatchCommand(t, tt.args...), config.Default()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunOptions(t *testing.T) {
	m := config.Default().Match
	m.Threshold = 0.7
	m.Metric = "cosine"

	opts, err := runOptions(m)
	if err != nil {
		t.Fatalf("runOptions: %v", err)
	}
	if opts.Threshold != 0.7 || opts.Metric != match.Cosine {
		t.Errorf("got threshold %v metric %q", opts.Threshold, opts.Metric)
	}
	if opts.BatchSize != constants.DefaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", opts.BatchSize, constants.DefaultBatchSize)
	}
	if opts.TopK != constants.TopMatchesPerFace {
		t.Errorf("TopK = %d, want %d", opts.TopK, constants.TopMatchesPerFace)
	}
}

func TestRunPreparer(t *testing.T) {
	root := t.TempDir()
	ref := filepath.Join(root, "me.jpg")
	photo := filepath.Join(root, "party.jpg")
	if err := os.WriteFile(ref, []byte("0,0"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(photo, []byte("0.1,0"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Store.Backend = "none"
	cfg.Match.Output = filepath.Join(root, "out")
	prepare := newRunPreparer(cfg, pipeline.Deps{Encoder: vectorEncoder, Logger: zap.NewNop(), LogLevel: zap.InfoLevel})

	t.Run("invalid values", func(t *testing.T) {
		bad := 2.0
		for _, req := range []handlers.RunRequest{
			{Photos: []string{photo}, References: []string{ref}, Threshold: &bad},
			{Photos: []string{photo}, References: []string{ref}, Metric: "manhattan"},
			{Photos: []string{photo}, References: []string{ref}, PhotoTimeout: "soon"},
		} {
			if _, err := prepare(context.Background(), req); !errors.Is(err, handlers.ErrInvalidRequest) {
				t.Errorf("prepare(%+v) error = %v, want ErrInvalidRequest", req, err)
			}
		}
	})

	t.Run("runs with request overrides", func(t *testing.T) {
		threshold := 0.5
		run, err := prepare(context.Background(), handlers.RunRequest{
			Photos:     []string{photo},
			References: []string{ref},
			Threshold:  &threshold,
			DryRun:     true,
		})
		if err != nil {
			t.Fatalf("prepare: %v", err)
		}
		defer run.Close()

		report, err := run.Execute(context.Background())
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if report.Threshold != 0.5 {
			t.Errorf("Threshold = %v, want 0.5", report.Threshold)
		}
		if report.Stats.Matched != 1 {
			t.Errorf("Matched = %d, want 1", report.Stats.Matched)
		}
		if !strings.HasPrefix(filepath.Base(run.Layout.Root), "out_") {
			t.Errorf("output dir %q lacks timestamp suffix", run.Layout.Root)
		}
	})
}

func TestPrintSummary(t *testing.T) {
	report := &runner.Report{
		RunID: "run-1",
		State: runner.StateAborted,
		Stats: runner.Stats{
			TotalSeen: 5, Total: 9, Matched: 2, AlmostMatched: 1, NotMatched: 1, Errors: 1,
			Elapsed: 2 * time.Second,
		},
		Errors: []runner.PhotoError{{Path: "/p/broken.jpg", Error: "unreadable file", Kind: "decode"}},
	}

	var buf bytes.Buffer
	printSummary(&buf, report, nil, true)
	out := buf.String()

	for _, want := range []string{
		"run-1 aborted",
		"Matched",
		"Almost matched",
		"Not matched",
		"5 / 9",
		"2.50 images/s",
		"/p/broken.jpg",
		"Dry run",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestStoreOpener(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "none"
	if storeOpener(cfg, nil, zap.NewNop()) != nil {
		t.Error("expected nil opener when persistence is disabled")
	}
	cfg.Store.Backend = "sqlite"
	if storeOpener(cfg, nil, zap.NewNop()) == nil {
		t.Error("expected per-run sqlite opener")
	}
}

func TestResolveResultsDB(t *testing.T) {
	dir := t.TempDir()
	if got, want := resolveResultsDB(dir), filepath.Join(dir, constants.ResultsDBName); got != want {
		t.Errorf("resolveResultsDB(dir) = %q, want %q", got, want)
	}
	file := filepath.Join(dir, "custom.db")
	if got := resolveResultsDB(file); got != file {
		t.Errorf("resolveResultsDB(file) = %q, want %q", got, file)
	}
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"Name", "Count"}, [][]string{{"a", "1"}, {"b"}}, []columnAlignment{alignLeft, alignRight})
	if !strings.Contains(out, "Name") || !strings.Contains(out, "Count") || !strings.Contains(out, "b") {
		t.Errorf("unexpected table:\n%s", out)
	}
	if renderTable(nil, nil, nil) != "" {
		t.Error("expected empty output without headers")
	}
}
