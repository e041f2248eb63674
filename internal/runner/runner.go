// Package runner scores candidate photos against a reference set in batches.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/omriariav/FaceFindr/internal/constants"
	"github.com/omriariav/FaceFindr/internal/face"
	"github.com/omriariav/FaceFindr/internal/match"
	"github.com/omriariav/FaceFindr/internal/photos"
	"github.com/omriariav/FaceFindr/internal/reference"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a run.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// IsTerminal reports whether no further progress can happen.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateAborted
}

var (
	// ErrAlreadyStarted is returned when Run is called twice on the same runner.
	ErrAlreadyStarted = errors.New("run already started")
	// ErrCancelled is returned with a partial report when the context is cancelled.
	ErrCancelled = errors.New("run cancelled")
	// ErrPhotoTimeout marks photos that exceeded the per-photo time limit.
	ErrPhotoTimeout = errors.New("photo processing timed out")
)

// Options configures a run.
type Options struct {
	Threshold    float64
	Metric       match.Metric
	BatchSize    int
	Concurrency  int
	PhotoTimeout time.Duration // zero disables the limit
	TopK         int           // matches per face written to the debug log
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Threshold:   constants.DefaultThreshold,
		Metric:      match.Euclidean,
		BatchSize:   constants.DefaultBatchSize,
		Concurrency: constants.DefaultConcurrency,
		TopK:        constants.TopMatchesPerFace,
	}
}

// PhotoError records a photo that could not be processed.
type PhotoError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
	Kind  string `json:"kind"` // decode, timeout, io, sink
	err   error
}

// Err returns the underlying error. It is nil for errors loaded from storage.
func (pe PhotoError) Err() error {
	return pe.err
}

// Report is the summary of a run. It is produced for completed and aborted runs alike.
type Report struct {
	RunID      string         `json:"run_id"`
	State      State          `json:"state"`
	Threshold  float64        `json:"threshold"`
	Metric     match.Metric   `json:"metric"`
	References []string       `json:"references"`
	Results    []match.Result `json:"results"`
	Errors     []PhotoError   `json:"errors"`
	Stats      Stats          `json:"stats"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Runner processes candidate photos. A Runner performs a single run.
type Runner struct {
	encoder face.Encoder
	refs    []reference.Entry
	opts    Options
	logger  *zap.Logger
	sinks   []Sink
	obs     observers
	runID   string

	mu    sync.Mutex
	state State
	stats statsCounter
	obsMu sync.Mutex
}

// New creates a runner for the reference set. An empty set is rejected.
func New(enc face.Encoder, refs *reference.Set, opts Options, logger *zap.Logger) (*Runner, error) {
	if refs == nil || refs.Len() == 0 {
		return nil, reference.ErrEmptyReferenceSet
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = constants.DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Metric == "" {
		opts.Metric = match.Euclidean
	}
	return &Runner{
		encoder: enc,
		refs:    refs.Entries(),
		opts:    opts,
		logger:  logger,
		runID:   uuid.NewString(),
		state:   StateIdle,
	}, nil
}

// ID returns the run identifier.
func (r *Runner) ID() string {
	return r.runID
}

// AddSink registers a sink. Must be called before Run.
func (r *Runner) AddSink(s Sink) {
	r.sinks = append(r.sinks, s)
}

// AddObserver registers an observer. Must be called before Run.
func (r *Runner) AddObserver(o Observer) {
	r.obs = append(r.obs, o)
}

// State returns the current state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns a snapshot of the counters.
func (r *Runner) Stats() Stats {
	return r.stats.snapshot()
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// Run processes paths in batches. Duplicate paths are processed once.
// Per-photo failures are counted and never stop the run. Cancellation is
// checked between batches; the photos of the current batch still complete and
// the returned report holds the partial results together with ErrCancelled.
func (r *Runner) Run(ctx context.Context, paths []string) (*Report, error) {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	r.state = StateRunning
	r.mu.Unlock()

	unique, dups := photos.Dedupe(paths)
	if dups > 0 {
		r.logger.Info(fmt.Sprintf("Skipping %d duplicate photo paths", dups))
	}

	report := &Report{
		RunID:      r.runID,
		Threshold:  r.opts.Threshold,
		Metric:     r.opts.Metric,
		References: referencePaths(r.refs),
		Results:    make([]match.Result, 0, len(unique)),
		StartedAt:  time.Now(),
	}

	r.stats.start(len(unique), dups)
	r.notify(func() { r.obs.start(r.runID, len(unique)) })

	batches := (len(unique) + r.opts.BatchSize - 1) / r.opts.BatchSize
	var runErr error
	for b := range batches {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("Run cancelled, stopping before next batch",
				zap.Int("batch", b+1), zap.Int("batches", batches))
			runErr = fmt.Errorf("%w: %w", ErrCancelled, err)
			break
		}

		start := b * r.opts.BatchSize
		end := min(start+r.opts.BatchSize, len(unique))
		results, errs := r.runBatch(ctx, unique[start:end])
		report.Results = append(report.Results, results...)
		report.Errors = append(report.Errors, errs...)

		stats := r.stats.snapshot()
		r.logger.Debug(fmt.Sprintf("Finished batch %d/%d", b+1, batches),
			zap.Int("processed", stats.TotalSeen), zap.Int("errors", stats.Errors))
		r.notify(func() { r.obs.batch(b+1, batches, stats) })
	}

	report.Stats = r.stats.freeze()
	report.FinishedAt = time.Now()
	if runErr != nil {
		report.State = StateAborted
	} else {
		report.State = StateCompleted
	}
	r.setState(report.State)
	r.notify(func() { r.obs.finish(report) })

	return report, runErr
}

// runBatch processes one batch concurrently and returns results in input order.
// Work is detached from ctx cancellation so a started batch always finishes.
func (r *Runner) runBatch(ctx context.Context, batch []string) ([]match.Result, []PhotoError) {
	workCtx := context.WithoutCancel(ctx)

	results := make([]*match.Result, len(batch))
	errs := make([]*PhotoError, len(batch))

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, path := range batch {
		g.Go(func() error {
			res, err := r.processPhoto(workCtx, path)
			if err != nil {
				pe := newPhotoError(path, err)
				errs[i] = &pe
				stats := r.stats.addError()
				r.logger.Error("Error processing photo", zap.String("path", path), zap.String("kind", pe.Kind), zap.Error(err))
				r.notify(func() { r.obs.error(pe, stats) })
				return nil
			}
			results[i] = &res
			stats := r.stats.addResult(res.Tier)
			r.logger.Info(res.LogLine())
			r.notify(func() { r.obs.result(res, stats) })
			return nil
		})
	}
	_ = g.Wait()

	var outResults []match.Result
	var outErrs []PhotoError
	for i := range batch {
		if results[i] != nil {
			outResults = append(outResults, *results[i])
		}
		if errs[i] != nil {
			outErrs = append(outErrs, *errs[i])
		}
	}
	return outResults, outErrs
}

type sinkError struct {
	err error
}

func (e *sinkError) Error() string { return "recording result: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// processPhoto reads, encodes and scores one photo and hands the result to the sinks.
func (r *Runner) processPhoto(ctx context.Context, path string) (match.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return match.Result{}, fmt.Errorf("read photo: %w", err)
	}

	faces, err := r.encode(ctx, data)
	if err != nil {
		return match.Result{}, err
	}

	score := match.Evaluate(faces, r.refs, r.opts.Metric)
	res := match.NewResult(path, len(faces), score, r.opts.Threshold)
	if len(faces) > 0 && r.logger.Core().Enabled(zap.DebugLevel) {
		r.logTopMatches(path, faces)
	}

	for _, s := range r.sinks {
		if err := s.Record(res); err != nil {
			return match.Result{}, &sinkError{err: err}
		}
	}
	return res, nil
}

// encode applies the soft per-photo timeout. A timed out encoder call is
// abandoned and reported as a decode failure.
func (r *Runner) encode(ctx context.Context, data []byte) ([]face.Face, error) {
	if r.opts.PhotoTimeout <= 0 {
		return r.encoder.Encode(ctx, data)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.PhotoTimeout)
	defer cancel()

	type encoded struct {
		faces []face.Face
		err   error
	}
	done := make(chan encoded, 1)
	go func() {
		faces, err := r.encoder.Encode(ctx, data)
		done <- encoded{faces, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return nil, face.NewDecodeError(fmt.Sprintf("exceeded %s", r.opts.PhotoTimeout), ErrPhotoTimeout)
		}
		return out.faces, out.err
	case <-ctx.Done():
		return nil, face.NewDecodeError(fmt.Sprintf("exceeded %s", r.opts.PhotoTimeout), ErrPhotoTimeout)
	}
}

func (r *Runner) logTopMatches(path string, faces []face.Face) {
	for fi, candidates := range match.TopMatches(faces, r.refs, r.opts.Metric, r.opts.TopK) {
		for rank, c := range candidates {
			r.logger.Debug(fmt.Sprintf("%s face %d match %d: %s (%.4f)", path, fi, rank+1, c.ReferencePath, c.Score))
		}
	}
}

// notify serializes observer calls.
func (r *Runner) notify(fn func()) {
	if len(r.obs) == 0 {
		return
	}
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	fn()
}

func newPhotoError(path string, err error) PhotoError {
	kind := "io"
	var se *sinkError
	switch {
	case errors.Is(err, ErrPhotoTimeout):
		kind = "timeout"
	case errors.As(err, &se):
		kind = "sink"
	case errors.Is(err, face.ErrDecode):
		kind = "decode"
	}
	return PhotoError{Path: path, Error: err.Error(), Kind: kind, err: err}
}

func referencePaths(refs []reference.Entry) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.Path
	}
	return out
}
