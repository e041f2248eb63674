// Package store persists run summaries and per-photo results.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/omriariav/FaceFindr/internal/match"
	"github.com/omriariav/FaceFindr/internal/runner"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Run is the persisted summary of a run.
type Run struct {
	ID         string        `json:"run_id"`
	State      runner.State  `json:"state"`
	Threshold  float64       `json:"threshold"`
	Metric     string        `json:"metric"`
	References []string      `json:"references"`
	Stats      runner.Stats  `json:"stats"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	Elapsed    time.Duration `json:"-"`
}

// ResultFilter narrows Results. Zero values mean no restriction.
type ResultFilter struct {
	Tier   match.Tier
	Limit  int
	Offset int
}

// Store persists runs.
type Store interface {
	StartRun(ctx context.Context, run Run) error
	SaveResult(ctx context.Context, runID string, seq int, res match.Result) error
	SaveError(ctx context.Context, runID string, seq int, pe runner.PhotoError) error
	FinishRun(ctx context.Context, report *runner.Report) error

	ListRuns(ctx context.Context, limit int) ([]Run, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	Results(ctx context.Context, runID string, filter ResultFilter) ([]match.Result, error)
	Errors(ctx context.Context, runID string) ([]runner.PhotoError, error)

	Close() error
}
