// Package match scores candidate faces against reference faces and assigns tiers.
package match

import (
	"fmt"
	"math"
)

// Metric selects how the distance between two embeddings is measured.
type Metric string

// Supported metrics.
const (
	Euclidean Metric = "euclidean"
	Cosine    Metric = "cosine"
)

// ParseMetric validates a metric name. An empty name selects Euclidean.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", Euclidean:
		return Euclidean, nil
	case Cosine:
		return Cosine, nil
	}
	return "", fmt.Errorf("unknown distance metric %q (expected euclidean or cosine)", s)
}

// Distance returns the distance between a and b. Vectors of different or zero length
// are infinitely far apart.
func (m Metric) Distance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	if m == Cosine {
		return CosineDistance(a, b)
	}
	return EuclideanDistance(a, b)
}

// EuclideanDistance computes the L2 distance between two vectors.
func EuclideanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// CosineDistance computes 1 - cosine similarity. Zero vectors are at distance 1.
func CosineDistance(a, b []float32) float64 {
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dotProduct/(math.Sqrt(normA)*math.Sqrt(normB))
}

// Similarity converts a distance into a score in [0, 1], where 1 means identical.
func Similarity(distance float64) float64 {
	if math.IsNaN(distance) {
		return 0
	}
	return min(1, max(0, 1-distance))
}
