package match

import (
	"fmt"
	"strconv"
)

// NoFaceLabel is printed in place of a score for photos without faces.
const NoFaceLabel = "no_face"

// Result is the outcome for one candidate photo.
type Result struct {
	CandidatePath string  `json:"candidate_path"`
	Score         float64 `json:"best_score"`
	NoFace        bool    `json:"no_face"`
	ReferencePath string  `json:"matched_reference_path,omitempty"`
	Tier          Tier    `json:"tier"`
	Faces         int     `json:"faces"`
}

// NewResult categorizes score and builds the result for path.
func NewResult(path string, faces int, score Score, threshold float64) Result {
	r := Result{
		CandidatePath: path,
		NoFace:        score.NoFace,
		Tier:          Categorize(score, threshold),
		Faces:         faces,
	}
	if !score.NoFace {
		r.Score = score.Value
		r.ReferencePath = score.ReferencePath
	}
	return r
}

// ScoreString returns the score with four decimals or the no-face label.
func (r Result) ScoreString() string {
	if r.NoFace {
		return NoFaceLabel
	}
	return strconv.FormatFloat(r.Score, 'f', 4, 64)
}

// ReferenceString returns the matched reference path or "none".
func (r Result) ReferenceString() string {
	if r.ReferencePath == "" {
		return "none"
	}
	return r.ReferencePath
}

// LogLine renders the result as a single log line.
func (r Result) LogLine() string {
	return fmt.Sprintf("Processed %s: %s, score=%s, reference=%s",
		r.CandidatePath, r.Tier, r.ScoreString(), r.ReferenceString())
}
