package handlers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/omriariav/FaceFindr/internal/constants"
	"github.com/omriariav/FaceFindr/internal/match"
	"github.com/omriariav/FaceFindr/internal/pipeline"
	"github.com/omriariav/FaceFindr/internal/runner"
	"go.uber.org/zap"
)

// JobEvent represents an event from a run.
type JobEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// EventBroadcaster provides listener management and event broadcasting for async jobs.
// Embed this in job structs to get AddListener, RemoveListener, and SendEvent methods.
type EventBroadcaster struct {
	cancel    context.CancelFunc
	listeners []chan JobEvent
	mu        sync.RWMutex
}

// AddListener adds an event listener.
func (b *EventBroadcaster) AddListener() chan JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan JobEvent, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *EventBroadcaster) SendEvent(event JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Cancel cancels the job via context and notifies listeners.
// The run stops once the current batch has finished.
func (b *EventBroadcaster) Cancel() {
	if b.cancel != nil {
		b.cancel()
	}
	b.SendEvent(JobEvent{Type: "cancelling", Message: "Run cancelled by user, finishing current batch"})
}

// SSEJob is the interface required by streamSSEEvents to stream job events via SSE.
type SSEJob interface {
	AddListener() chan JobEvent
	RemoveListener(ch chan JobEvent)
	GetStatus() runner.State
}

// RunJob is a run executing in the server. It observes its runner and fans events out to listeners.
type RunJob struct {
	EventBroadcaster

	ID         string
	OutputDir  string
	References []string
	Total      int
	StartedAt  time.Time

	run  *pipeline.Run
	done chan struct{}

	stateMu    sync.RWMutex
	results    []match.Result
	errors     []runner.PhotoError
	report     *runner.Report
	finishedAt time.Time
}

// RunJobView is the JSON representation of a job.
type RunJobView struct {
	ID         string              `json:"run_id"`
	State      runner.State        `json:"state"`
	OutputDir  string              `json:"output_dir"`
	References []string            `json:"references"`
	Stats      runner.Stats        `json:"stats"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Errors     []runner.PhotoError `json:"errors,omitempty"`
}

// GetStatus returns the current run state (implements SSEJob).
func (j *RunJob) GetStatus() runner.State {
	return j.run.Runner.State()
}

// View returns a snapshot of the job.
func (j *RunJob) View() RunJobView {
	j.stateMu.RLock()
	defer j.stateMu.RUnlock()
	v := RunJobView{
		ID:         j.ID,
		State:      j.run.Runner.State(),
		OutputDir:  j.OutputDir,
		References: j.References,
		Stats:      j.run.Runner.Stats(),
		StartedAt:  j.StartedAt,
		Errors:     append([]runner.PhotoError(nil), j.errors...),
	}
	if j.report != nil {
		v.Stats = j.report.Stats
		v.State = j.report.State
		finished := j.finishedAt
		v.FinishedAt = &finished
	}
	return v
}

// Results returns the results so far, optionally filtered by tier and paged.
func (j *RunJob) Results(tier match.Tier, limit, offset int) []match.Result {
	j.stateMu.RLock()
	defer j.stateMu.RUnlock()
	out := make([]match.Result, 0, len(j.results))
	for _, r := range j.results {
		if tier == "" || r.Tier == tier {
			out = append(out, r)
		}
	}
	if offset >= len(out) {
		return []match.Result{}
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Done is closed when the run has finished and released its resources.
func (j *RunJob) Done() <-chan struct{} {
	return j.done
}

func (j *RunJob) OnStart(runID string, total int) {
	j.SendEvent(JobEvent{Type: "started", Message: "Run started", Data: map[string]int{"total": total}})
}

func (j *RunJob) OnResult(res match.Result, stats runner.Stats) {
	j.stateMu.Lock()
	j.results = append(j.results, res)
	j.stateMu.Unlock()
	j.SendEvent(JobEvent{Type: "result", Message: res.LogLine(), Data: map[string]any{"result": res, "stats": stats}})
}

func (j *RunJob) OnError(pe runner.PhotoError, stats runner.Stats) {
	j.stateMu.Lock()
	j.errors = append(j.errors, pe)
	j.stateMu.Unlock()
	j.SendEvent(JobEvent{Type: "photo_error", Message: pe.Error, Data: map[string]any{"error": pe, "stats": stats}})
}

func (j *RunJob) OnBatch(batch, batches int, stats runner.Stats) {
	j.SendEvent(JobEvent{Type: "progress", Data: map[string]any{"batch": batch, "batches": batches, "stats": stats}})
}

func (j *RunJob) OnFinish(report *runner.Report) {
	j.stateMu.Lock()
	j.report = report
	j.finishedAt = report.FinishedAt
	j.stateMu.Unlock()
	j.SendEvent(JobEvent{Type: string(report.State), Message: "Run " + string(report.State), Data: report.Stats})
}

// RunManager tracks the runs started by the server.
type RunManager struct {
	jobs   map[string]*RunJob
	mu     sync.RWMutex
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewRunManager creates a new run manager.
func NewRunManager(logger *zap.Logger) *RunManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunManager{
		jobs:   make(map[string]*RunJob),
		logger: logger,
	}
}

// Launch registers a prepared run and executes it in the background.
// The job owns the run and closes it when finished.
func (m *RunManager) Launch(run *pipeline.Run) *RunJob {
	ctx, cancel := context.WithCancel(context.Background())
	job := &RunJob{
		ID:         run.Runner.ID(),
		OutputDir:  run.Layout.Root,
		References: run.Refs.Paths(),
		Total:      len(run.Photos),
		StartedAt:  time.Now(),
		run:        run,
		done:       make(chan struct{}),
	}
	job.cancel = cancel
	run.Runner.AddObserver(job)

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(job.done)
		defer cancel()

		if _, err := run.Execute(ctx); err != nil {
			m.logger.Warn("Run ended early", zap.String("run_id", job.ID), zap.Error(err))
		}
		if err := run.Close(); err != nil {
			m.logger.Warn("Failed to release run resources", zap.String("run_id", job.ID), zap.Error(err))
		}
	}()
	return job
}

// GetJob retrieves a job by ID.
func (m *RunManager) GetJob(id string) *RunJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// ListJobs returns all jobs, newest first.
func (m *RunManager) ListJobs() []*RunJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*RunJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].StartedAt.After(jobs[b].StartedAt)
	})
	return jobs
}

// Active returns the number of runs that have not finished.
func (m *RunManager) Active() int {
	n := 0
	for _, job := range m.ListJobs() {
		if !job.GetStatus().IsTerminal() {
			n++
		}
	}
	return n
}

// Shutdown cancels every active run and waits for them to stop or for ctx to expire.
func (m *RunManager) Shutdown(ctx context.Context) error {
	for _, job := range m.ListJobs() {
		if !job.GetStatus().IsTerminal() {
			job.Cancel()
		}
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
