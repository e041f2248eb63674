package match

import (
	"math"

	"github.com/omriariav/FaceFindr/internal/constants"
)

// Tier is the confidence bucket assigned to a candidate photo.
// Its value doubles as the destination directory name.
type Tier string

// Tiers from most to least confident.
const (
	Matched       Tier = "matched"
	AlmostMatched Tier = "almost_matched"
	NotMatched    Tier = "not_matched"
)

// Tiers lists every tier in display order.
var Tiers = []Tier{Matched, AlmostMatched, NotMatched}

// Label returns a human readable tier name.
func (t Tier) Label() string {
	switch t {
	case Matched:
		return "Matched"
	case AlmostMatched:
		return "Almost matched"
	case NotMatched:
		return "Not matched"
	}
	return string(t)
}

// roundScore removes float noise so t-0.1 compares as written (0.8-0.1 is 0.7, not 0.7000000000000001).
func roundScore(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}

// AlmostThreshold returns the lower bound of the almost matched band.
// It may be negative for thresholds below the band width.
func AlmostThreshold(threshold float64) float64 {
	return roundScore(threshold - constants.AlmostMatchedBand)
}

// Categorize assigns a tier: NoFace and scores below threshold-0.1 are not matched,
// scores in [threshold-0.1, threshold) are almost matched, the rest are matched.
func Categorize(score Score, threshold float64) Tier {
	if score.NoFace {
		return NotMatched
	}
	v := roundScore(score.Value)
	switch {
	case v >= roundScore(threshold):
		return Matched
	case v >= AlmostThreshold(threshold):
		return AlmostMatched
	default:
		return NotMatched
	}
}
