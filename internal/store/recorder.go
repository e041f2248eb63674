package store

import (
	"context"

	"github.com/omriariav/FaceFindr/internal/match"
	"github.com/omriariav/FaceFindr/internal/runner"
	"go.uber.org/zap"
)

// Recorder writes run progress to a Store. Storage failures are logged and do not affect the run.
type Recorder struct {
	runner.NopObserver

	ctx    context.Context
	store  Store
	logger *zap.Logger

	threshold float64
	metric    string
	refs      []string

	runID  string
	seq    int
	errSeq int
}

// NewRecorder creates a recorder. ctx bounds every write.
func NewRecorder(ctx context.Context, s Store, threshold float64, metric match.Metric, refs []string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		ctx:       context.WithoutCancel(ctx),
		store:     s,
		logger:    logger,
		threshold: threshold,
		metric:    string(metric),
		refs:      refs,
	}
}

func (r *Recorder) OnStart(runID string, total int) {
	r.runID = runID
	err := r.store.StartRun(r.ctx, Run{
		ID:         runID,
		State:      runner.StateRunning,
		Threshold:  r.threshold,
		Metric:     r.metric,
		References: r.refs,
		Stats:      runner.Stats{Total: total},
		StartedAt:  timeNow(),
	})
	if err != nil {
		r.logger.Warn("Failed to record run start", zap.String("run_id", runID), zap.Error(err))
	}
}

func (r *Recorder) OnResult(res match.Result, stats runner.Stats) {
	r.seq++
	if err := r.store.SaveResult(r.ctx, r.runID, r.seq, res); err != nil {
		r.logger.Warn("Failed to record result", zap.String("path", res.CandidatePath), zap.Error(err))
	}
}

func (r *Recorder) OnError(pe runner.PhotoError, stats runner.Stats) {
	r.errSeq++
	if err := r.store.SaveError(r.ctx, r.runID, r.errSeq, pe); err != nil {
		r.logger.Warn("Failed to record photo error", zap.String("path", pe.Path), zap.Error(err))
	}
}

func (r *Recorder) OnFinish(report *runner.Report) {
	if err := r.store.FinishRun(r.ctx, report); err != nil {
		r.logger.Warn("Failed to record run summary", zap.String("run_id", report.RunID), zap.Error(err))
	}
}
