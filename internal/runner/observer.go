package runner

import "github.com/omriariav/FaceFindr/internal/match"

// Observer receives progress notifications. Calls are serialized by the runner.
type Observer interface {
	OnStart(runID string, total int)
	OnResult(res match.Result, stats Stats)
	OnError(pe PhotoError, stats Stats)
	OnBatch(batch, batches int, stats Stats)
	OnFinish(report *Report)
}

// NopObserver ignores every notification. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) OnStart(string, int)          {}
func (NopObserver) OnResult(match.Result, Stats) {}
func (NopObserver) OnError(PhotoError, Stats)    {}
func (NopObserver) OnBatch(int, int, Stats)      {}
func (NopObserver) OnFinish(*Report)             {}

// Sink receives every categorized result, for example to copy the photo or persist it.
// A sink failure turns the photo into a per-photo error.
type Sink interface {
	Record(res match.Result) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(res match.Result) error

// Record calls f.
func (f SinkFunc) Record(res match.Result) error {
	return f(res)
}

type observers []Observer

func (o observers) start(runID string, total int) {
	for _, obs := range o {
		obs.OnStart(runID, total)
	}
}

func (o observers) result(res match.Result, stats Stats) {
	for _, obs := range o {
		obs.OnResult(res, stats)
	}
}

func (o observers) error(pe PhotoError, stats Stats) {
	for _, obs := range o {
		obs.OnError(pe, stats)
	}
}

func (o observers) batch(batch, batches int, stats Stats) {
	for _, obs := range o {
		obs.OnBatch(batch, batches, stats)
	}
}

func (o observers) finish(report *Report) {
	for _, obs := range o {
		obs.OnFinish(report)
	}
}
