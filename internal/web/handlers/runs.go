package handlers

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/omriariav/FaceFindr/internal/constants"
	"github.com/omriariav/FaceFindr/internal/match"
	"github.com/omriariav/FaceFindr/internal/output"
	"github.com/omriariav/FaceFindr/internal/photos"
	"github.com/omriariav/FaceFindr/internal/pipeline"
	"github.com/omriariav/FaceFindr/internal/reference"
	"github.com/omriariav/FaceFindr/internal/store"
	"go.uber.org/zap"
)

// RunRequest starts a run. Unset fields fall back to the server configuration.
type RunRequest struct {
	Photos       []string `json:"photos"`
	References   []string `json:"references"`
	Threshold    *float64 `json:"threshold,omitempty"`
	Metric       string   `json:"metric,omitempty"`
	BatchSize    int      `json:"batch_size,omitempty"`
	Concurrency  int      `json:"concurrency,omitempty"`
	PhotoTimeout string   `json:"photo_timeout,omitempty"`
	Output       string   `json:"output,omitempty"`
	DryRun       bool     `json:"dry_run"`
}

// RunPreparer turns a request into a prepared run.
type RunPreparer func(ctx context.Context, req RunRequest) (*pipeline.Run, error)

// ErrInvalidRequest marks preparer errors caused by bad request values.
var ErrInvalidRequest = errors.New("invalid run request")

// RunsHandler handles run endpoints.
type RunsHandler struct {
	manager *RunManager
	prepare RunPreparer
	store   store.Store
	logger  *zap.Logger
}

// NewRunsHandler creates a runs handler. s may be nil when results are not persisted.
func NewRunsHandler(m *RunManager, prepare RunPreparer, s store.Store, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{manager: m, prepare: prepare, store: s, logger: logger}
}

// Start starts a new run.
func (h *RunsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if len(req.Photos) == 0 {
		respondError(w, http.StatusBadRequest, "photos is required")
		return
	}
	if len(req.References) == 0 {
		respondError(w, http.StatusBadRequest, "references is required")
		return
	}

	run, err := h.prepare(r.Context(), req)
	if err != nil {
		status := prepareErrorStatus(err)
		h.logger.Warn("Run rejected", zap.Int("status", status), zap.String("error", sanitizeForLog(err.Error())))
		respondError(w, status, err.Error())
		return
	}

	job := h.manager.Launch(run)
	respondJSON(w, http.StatusAccepted, map[string]any{
		"run_id":     job.ID,
		"status":     job.GetStatus(),
		"output_dir": job.OutputDir,
		"references": job.References,
		"total":      job.Total,
	})
}

func prepareErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, photos.ErrUnsupportedFile),
		errors.Is(err, pipeline.ErrNoPhotos),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusBadRequest
	case errors.Is(err, reference.ErrEmptyReferenceSet):
		return http.StatusUnprocessableEntity
	case errors.Is(err, output.ErrDestinationUnwritable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// List returns active and stored runs, newest first.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	views := []any{}
	seen := make(map[string]bool)
	for _, job := range h.manager.ListJobs() {
		views = append(views, job.View())
		seen[job.ID] = true
	}

	if h.store != nil {
		runs, err := h.store.ListRuns(r.Context(), queryInt(r, "limit", 50))
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to list runs")
			return
		}
		for _, run := range runs {
			if !seen[run.ID] {
				views = append(views, run)
			}
		}
	}

	respondJSON(w, http.StatusOK, views)
}

// Get returns a single run.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	if job := h.manager.GetJob(runID); job != nil {
		respondJSON(w, http.StatusOK, job.View())
		return
	}

	if h.store != nil {
		run, err := h.store.GetRun(r.Context(), runID)
		if err == nil {
			respondJSON(w, http.StatusOK, run)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusInternalServerError, "failed to load run")
			return
		}
	}
	respondError(w, http.StatusNotFound, "run not found")
}

// Results returns the categorized photos of a run. Supports ?tier=, ?limit= and ?offset=.
func (h *RunsHandler) Results(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	tier := match.Tier(r.URL.Query().Get("tier"))
	if tier != "" && !validTier(tier) {
		respondError(w, http.StatusBadRequest, "unknown tier")
		return
	}
	limit := queryInt(r, "limit", constants.DefaultResultsPageSize)
	offset := queryInt(r, "offset", 0)

	if job := h.manager.GetJob(runID); job != nil {
		respondJSON(w, http.StatusOK, job.Results(tier, limit, offset))
		return
	}

	if h.store != nil {
		if _, err := h.store.GetRun(r.Context(), runID); err == nil {
			results, err := h.store.Results(r.Context(), runID, store.ResultFilter{Tier: tier, Limit: limit, Offset: offset})
			if err != nil {
				respondError(w, http.StatusInternalServerError, "failed to load results")
				return
			}
			if results == nil {
				results = []match.Result{}
			}
			respondJSON(w, http.StatusOK, results)
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusInternalServerError, "failed to load run")
			return
		}
	}
	respondError(w, http.StatusNotFound, "run not found")
}

// Events streams run events via SSE.
func (h *RunsHandler) Events(w http.ResponseWriter, r *http.Request) {
	streamSSEEvents(w, r,
		func(id string) SSEJob {
			job := h.manager.GetJob(id)
			if job == nil {
				return nil
			}
			return job
		},
		func(job SSEJob) any {
			return job.(*RunJob).View()
		},
	)
}

// Cancel stops a run after its current batch.
func (h *RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	job := h.manager.GetJob(runID)
	if job == nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	if job.GetStatus().IsTerminal() {
		respondError(w, http.StatusConflict, "run already finished")
		return
	}

	job.Cancel()
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func validTier(t match.Tier) bool {
	for _, known := range match.Tiers {
		if t == known {
			return true
		}
	}
	return false
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
