package cmd

import (
	"fmt"
	"io"

	"github.com/omriariav/FaceFindr/internal/match"
	"github.com/omriariav/FaceFindr/internal/runner"
	"github.com/schollz/progressbar/v3"
)

// progressObserver draws a progress bar while a run is active.
type progressObserver struct {
	runner.NopObserver
	w   io.Writer
	bar *progressbar.ProgressBar
}

func newProgressObserver(w io.Writer) *progressObserver {
	return &progressObserver{w: w}
}

func (p *progressObserver) OnStart(runID string, total int) {
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionSetDescription("Matching photos"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("photos"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)
}

func (p *progressObserver) OnResult(res match.Result, stats runner.Stats) {
	p.add()
}

func (p *progressObserver) OnError(pe runner.PhotoError, stats runner.Stats) {
	p.add()
}

func (p *progressObserver) OnFinish(report *runner.Report) {
	if p.bar == nil {
		return
	}
	if report.State == runner.StateCompleted {
		_ = p.bar.Finish()
	}
	fmt.Fprintln(p.w)
}

func (p *progressObserver) add() {
	if p.bar != nil {
		_ = p.bar.Add(1)
	}
}
