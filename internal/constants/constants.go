// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Matching constants
const (
	// DefaultThreshold is the default minimum similarity for a photo to be matched
	DefaultThreshold = 0.8

	// AlmostMatchedBand is the width of the band below the threshold that counts as almost matched
	AlmostMatchedBand = 0.1

	// MaxReferences is the maximum number of reference embeddings kept per run
	MaxReferences = 100

	// TopMatchesPerFace is the number of best reference scores logged per detected face
	TopMatchesPerFace = 5
)

// Processing constants
const (
	// DefaultBatchSize is the number of photos processed per batch
	DefaultBatchSize = 20

	// DefaultConcurrency is the default number of parallel workers inside a batch
	DefaultConcurrency = 4

	// MaxImageSize is the maximum dimension (width or height) sent to the encoder
	MaxImageSize = 1920
)

// Output constants
const (
	// DefaultOutputDir is the base path of the run output directory
	DefaultOutputDir = "./matched_photos"

	// OutputTimestampLayout is appended to the output base name for every run
	OutputTimestampLayout = "20060102_150405"

	// RunLogName is the name of the per-run log file inside the output directory
	RunLogName = "log.txt"

	// ResultsDBName is the default sqlite results database inside the output directory
	ResultsDBName = "results.db"

	// LockFileName guards an output directory against concurrent runs
	LockFileName = ".facefindr.lock"
)

// ImageExtensions lists the recognized photo file extensions (lowercase).
var ImageExtensions = []string{".jpg", ".jpeg", ".png"}
