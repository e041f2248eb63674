// Package face detects faces in image data and turns them into embeddings.
package face

import (
	"context"
	"errors"
	"fmt"
)

// ErrDecode is matched by every error caused by unreadable or corrupt image data.
var ErrDecode = errors.New("image could not be decoded")

// Face is a single detected face.
type Face struct {
	Index     int       `json:"face_index"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox,omitempty"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score,omitempty"`
}

// Encoder detects faces in image bytes and returns one embedding per face.
// An image without faces yields an empty slice and a nil error.
type Encoder interface {
	Encode(ctx context.Context, data []byte) ([]Face, error)
}

// DecodeError reports image data the encoder could not read.
type DecodeError struct {
	Reason string
	Err    error
}

// NewDecodeError wraps err (which may be nil) as a decode failure.
func NewDecodeError(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode error: %s: %v", e.Reason, e.Err)
	}
	return "decode error: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is reports DecodeError as ErrDecode.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// EncoderFunc adapts a function to the Encoder interface.
type EncoderFunc func(ctx context.Context, data []byte) ([]Face, error)

// Encode calls f.
func (f EncoderFunc) Encode(ctx context.Context, data []byte) ([]Face, error) {
	return f(ctx, data)
}
