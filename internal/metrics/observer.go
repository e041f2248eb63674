package metrics

import (
	"context"
	"time"

	"github.com/omriariav/FaceFindr/internal/face"
	"github.com/omriariav/FaceFindr/internal/match"
	"github.com/omriariav/FaceFindr/internal/runner"
)

// RunObserver feeds run progress into the Prometheus metrics.
type RunObserver struct {
	runner.NopObserver
	refs int
}

// NewRunObserver creates an observer for a run against refs reference faces.
func NewRunObserver(refs int) *RunObserver {
	return &RunObserver{refs: refs}
}

func (o *RunObserver) OnStart(runID string, total int) {
	ReferencesLoaded.Set(float64(o.refs))
}

func (o *RunObserver) OnResult(res match.Result, stats runner.Stats) {
	PhotosProcessedTotal.WithLabelValues(string(res.Tier)).Inc()
}

func (o *RunObserver) OnError(pe runner.PhotoError, stats runner.Stats) {
	PhotoErrorsTotal.WithLabelValues(pe.Kind).Inc()
}

func (o *RunObserver) OnFinish(report *runner.Report) {
	RunsTotal.WithLabelValues(string(report.State)).Inc()
}

// InstrumentEncoder records the duration of every Encode call in EncodeDuration.
func InstrumentEncoder(enc face.Encoder) face.Encoder {
	return face.EncoderFunc(func(ctx context.Context, data []byte) ([]face.Face, error) {
		start := time.Now()
		defer func() { EncodeDuration.Observe(time.Since(start).Seconds()) }()
		return enc.Encode(ctx, data)
	})
}
