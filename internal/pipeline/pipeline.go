// Package pipeline wires references, output directory, run log, sinks and
// observers around a runner. The CLI and the status server both start runs here.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omriariav/FaceFindr/internal/face"
	"github.com/omriariav/FaceFindr/internal/logging"
	"github.com/omriariav/FaceFindr/internal/match"
	"github.com/omriariav/FaceFindr/internal/metrics"
	"github.com/omriariav/FaceFindr/internal/output"
	"github.com/omriariav/FaceFindr/internal/photos"
	"github.com/omriariav/FaceFindr/internal/reference"
	"github.com/omriariav/FaceFindr/internal/runner"
	"github.com/omriariav/FaceFindr/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrNoPhotos is returned when the candidate paths contain no photos.
var ErrNoPhotos = errors.New("no candidate photos found")

// Params describes one run.
type Params struct {
	Photos     []string
	References []string
	Options    runner.Options
	Output     string // base path; the run directory gets a timestamp suffix
	DryRun     bool
	Now        time.Time
}

// StoreOpener opens the result store for a run. It may return nil to disable persistence.
type StoreOpener func(ctx context.Context, layout *output.Layout) (store.Store, error)

// Deps are the long-lived collaborators of runs.
type Deps struct {
	Encoder   face.Encoder
	Logger    *zap.Logger
	LogLevel  zapcore.Level
	OpenStore StoreOpener
	Metrics   bool
}

// Run is a prepared run. Call Execute once, then Close.
type Run struct {
	Runner *runner.Runner
	Refs   *reference.Set
	Layout *output.Layout
	Logger *zap.Logger
	Photos []string

	store    store.Store
	closeLog func() error
}

// Prepare performs every fatal check before any photo is processed: candidate paths,
// output directory, reference set. The returned run holds the output lock until Close.
func Prepare(ctx context.Context, p Params, d Deps) (_ *Run, err error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if p.Now.IsZero() {
		p.Now = time.Now()
	}

	candidates, err := photos.Resolve(p.Photos)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoPhotos
	}

	layout, err := output.Prepare(p.Output, p.Now)
	if err != nil {
		return nil, err
	}
	r := &Run{Layout: layout, Photos: candidates, closeLog: func() error { return nil }}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	runLogger, closeLog, err := logging.WithRunLog(logger, layout.RunLogPath(), d.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", output.ErrDestinationUnwritable, err)
	}
	r.Logger, r.closeLog = runLogger, closeLog

	opts := p.Options
	runLogger.Info("Output directory: " + layout.Root)
	runLogger.Info(ThresholdBanner(opts.Threshold))

	refs, err := reference.Build(ctx, d.Encoder, runLogger, p.References...)
	if err != nil {
		return nil, err
	}
	r.Refs = refs

	rn, err := runner.New(d.Encoder, refs, opts, runLogger)
	if err != nil {
		return nil, err
	}
	r.Runner = rn

	mover := output.NewMover(layout, p.DryRun)
	rn.AddSink(runner.SinkFunc(func(res match.Result) error {
		_, err := mover.Place(res)
		return err
	}))

	if d.OpenStore != nil {
		s, err := d.OpenStore(ctx, layout)
		if err != nil {
			return nil, fmt.Errorf("opening result store: %w", err)
		}
		if s != nil {
			r.store = s
			rn.AddObserver(store.NewRecorder(ctx, s, opts.Threshold, opts.Metric, refs.Paths(), runLogger))
		}
	}
	if d.Metrics {
		rn.AddObserver(metrics.NewRunObserver(refs.Len()))
	}

	return r, nil
}

// Execute processes the photos. The report is non-nil even when the run is cancelled.
func (r *Run) Execute(ctx context.Context) (*runner.Report, error) {
	report, err := r.Runner.Run(ctx, r.Photos)
	if report != nil {
		s := report.Stats
		r.Logger.Info(fmt.Sprintf("Run %s %s: %d matched, %d almost matched, %d not matched, %d errors in %s",
			report.RunID, report.State, s.Matched, s.AlmostMatched, s.NotMatched, s.Errors, s.Elapsed.Round(time.Millisecond)))
	}
	return report, err
}

// Close releases the result store, run log and output lock.
func (r *Run) Close() error {
	var errs []error
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	errs = append(errs, r.closeLog())
	if r.Layout != nil {
		errs = append(errs, r.Layout.Close())
	}
	return errors.Join(errs...)
}

// ThresholdBanner describes the tier boundaries for threshold t.
func ThresholdBanner(t float64) string {
	almost := match.AlmostThreshold(t)
	return fmt.Sprintf("Threshold settings: MATCHED >= %.2f, ALMOST MATCHED %.2f to %.2f, NOT MATCHED < %.2f",
		t, almost, t-0.01, almost)
}

// NopCloser wraps a store shared across runs so closing a run leaves it open.
func NopCloser(s store.Store) store.Store {
	return nopCloser{s}
}

type nopCloser struct {
	store.Store
}

func (nopCloser) Close() error { return nil }
