// Package reference builds the set of reference face embeddings a run matches against.
package reference

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/omriariav/FaceFindr/internal/constants"
	"github.com/omriariav/FaceFindr/internal/face"
	"github.com/omriariav/FaceFindr/internal/photos"
	"go.uber.org/zap"
)

var (
	// ErrNoFaceDetected is returned for a reference image without a face.
	ErrNoFaceDetected = errors.New("no face detected in reference image")
	// ErrMultipleFacesDetected is returned for a reference image with more than one face.
	ErrMultipleFacesDetected = errors.New("multiple faces detected in reference image")
	// ErrDimensionMismatch is returned when a reference embedding differs in size from the others.
	ErrDimensionMismatch = errors.New("reference embedding dimension mismatch")
	// ErrReferenceLimit is returned when adding to a full set.
	ErrReferenceLimit = errors.New("reference limit reached")
	// ErrEmptyReferenceSet means no reference image survived validation. Matching cannot start.
	ErrEmptyReferenceSet = errors.New("no valid reference faces")
)

// Entry is one validated reference embedding and the image it came from.
type Entry struct {
	Path      string    `json:"path"`
	Embedding []float32 `json:"-"`
}

// Rejection records a reference image that was skipped.
type Rejection struct {
	Path string
	Err  error
}

// Set is an ordered, capped collection of reference embeddings.
// It is built once and then only read, so it can be shared across workers.
type Set struct {
	encoder  face.Encoder
	logger   *zap.Logger
	limit    int
	entries  []Entry
	rejected []Rejection
	warned   bool
}

// NewSet creates an empty set that encodes images with enc.
func NewSet(enc face.Encoder, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Set{
		encoder: enc,
		logger:  logger,
		limit:   constants.MaxReferences,
	}
}

// Add encodes the image at path and appends its single face embedding.
// All failures are per-reference: the caller logs them and carries on.
func (s *Set) Add(ctx context.Context, path string) error {
	if len(s.entries) >= s.limit {
		s.warnLimit()
		return ErrReferenceLimit
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read reference %s: %w", path, err)
	}

	faces, err := s.encoder.Encode(ctx, data)
	if err != nil {
		return fmt.Errorf("encode reference %s: %w", path, err)
	}

	switch {
	case len(faces) == 0:
		return fmt.Errorf("%s: %w", path, ErrNoFaceDetected)
	case len(faces) > 1:
		return fmt.Errorf("%s: %w (%d faces)", path, ErrMultipleFacesDetected, len(faces))
	}

	embedding := faces[0].Embedding
	if len(embedding) == 0 {
		return fmt.Errorf("%s: %w", path, ErrNoFaceDetected)
	}
	if len(s.entries) > 0 && len(s.entries[0].Embedding) != len(embedding) {
		return fmt.Errorf("%s: %w (got %d, expected %d)",
			path, ErrDimensionMismatch, len(embedding), len(s.entries[0].Embedding))
	}

	s.entries = append(s.entries, Entry{Path: path, Embedding: embedding})
	return nil
}

func (s *Set) warnLimit() {
	if s.warned {
		return
	}
	s.warned = true
	s.logger.Warn(fmt.Sprintf("Reached limit of %d reference images", s.limit))
}

// Entries returns the references in insertion order. The slice must not be modified.
func (s *Set) Entries() []Entry {
	return s.entries
}

// Len returns the number of references.
func (s *Set) Len() int {
	return len(s.entries)
}

// Rejected returns the reference images skipped while building the set.
func (s *Set) Rejected() []Rejection {
	return s.rejected
}

// Truncated reports whether reference images were dropped because of the cap.
func (s *Set) Truncated() bool {
	return s.warned
}

// Paths returns the source path of every reference in insertion order.
func (s *Set) Paths() []string {
	paths := make([]string, len(s.entries))
	for i, e := range s.entries {
		paths[i] = e.Path
	}
	return paths
}

// addAll adds every path until the cap is reached, logging each rejection.
func (s *Set) addAll(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(s.entries) >= s.limit {
			s.warnLimit()
			break
		}

		if err := s.Add(ctx, p); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.rejected = append(s.rejected, Rejection{Path: p, Err: err})
			s.logger.Warn("Skipping reference image", zap.String("path", p), zap.Error(err))
			continue
		}
		s.logger.Info("Loaded reference face from: " + p)
	}

	s.logger.Info(fmt.Sprintf("Loaded %d reference faces, skipped %d invalid images", len(s.entries), len(s.rejected)))
	if len(s.entries) == 0 {
		return ErrEmptyReferenceSet
	}
	return nil
}

// BuildFromSingle builds a set from one reference image.
func BuildFromSingle(ctx context.Context, enc face.Encoder, logger *zap.Logger, path string) (*Set, error) {
	s := NewSet(enc, logger)
	return s, s.addAll(ctx, []string{path})
}

// BuildFromDirectory builds a set from the photos directly inside dir, in name order.
func BuildFromDirectory(ctx context.Context, enc face.Encoder, logger *zap.Logger, dir string) (*Set, error) {
	files, err := photos.ListDir(dir)
	if err != nil {
		return nil, err
	}
	s := NewSet(enc, logger)
	return s, s.addAll(ctx, files)
}

// Build builds a set from any mix of reference files and directories.
// The returned set is non-nil whenever the inputs could be enumerated, even alongside
// ErrEmptyReferenceSet, so callers can report the rejections.
func Build(ctx context.Context, enc face.Encoder, logger *zap.Logger, paths ...string) (*Set, error) {
	files, err := photos.Resolve(paths)
	if err != nil {
		return nil, err
	}
	files, _ = photos.Dedupe(files)
	s := NewSet(enc, logger)
	return s, s.addAll(ctx, files)
}
