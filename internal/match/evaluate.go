package match

import (
	"cmp"
	"slices"

	"github.com/omriariav/FaceFindr/internal/face"
	"github.com/omriariav/FaceFindr/internal/reference"
)

// Score is the best similarity found for a candidate photo.
type Score struct {
	Value          float64
	NoFace         bool
	ReferenceIndex int // -1 when no reference contributed
	ReferencePath  string
	FaceIndex      int // candidate face that produced Value
}

// NoFaceScore is the result for a candidate without any detected face.
func NoFaceScore() Score {
	return Score{NoFace: true, ReferenceIndex: -1, FaceIndex: -1}
}

// Evaluate compares every candidate face with every reference and returns the best pair.
// A candidate without faces yields NoFaceScore without any comparison.
// Equal scores resolve to the earliest reference in insertion order.
func Evaluate(faces []face.Face, refs []reference.Entry, metric Metric) Score {
	if len(faces) == 0 {
		return NoFaceScore()
	}

	best := Score{Value: -1, ReferenceIndex: -1, FaceIndex: -1}
	// References form the outer loop so a strict comparison keeps the earliest reference on ties.
	for ri, ref := range refs {
		for fi, f := range faces {
			s := Similarity(metric.Distance(f.Embedding, ref.Embedding))
			if s > best.Value {
				best = Score{Value: s, ReferenceIndex: ri, ReferencePath: ref.Path, FaceIndex: fi}
			}
		}
	}

	if best.ReferenceIndex < 0 {
		return Score{ReferenceIndex: -1, FaceIndex: -1}
	}
	return best
}

// Candidate is one reference scored against a single candidate face.
type Candidate struct {
	ReferencePath string
	Score         float64
}

// TopMatches returns, per candidate face, the k best references ordered by descending score.
// Equal scores keep reference insertion order.
func TopMatches(faces []face.Face, refs []reference.Entry, metric Metric, k int) [][]Candidate {
	out := make([][]Candidate, len(faces))
	for fi, f := range faces {
		scored := make([]Candidate, len(refs))
		for ri, ref := range refs {
			scored[ri] = Candidate{
				ReferencePath: ref.Path,
				Score:         Similarity(metric.Distance(f.Embedding, ref.Embedding)),
			}
		}
		slices.SortStableFunc(scored, func(a, b Candidate) int {
			return cmp.Compare(b.Score, a.Score)
		})
		if k > 0 && len(scored) > k {
			scored = scored[:k]
		}
		out[fi] = scored
	}
	return out
}
