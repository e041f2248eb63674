// Package constants provides shared constants used across the codebase.
package constants

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100
)

// Status server constants
const (
	// DefaultServePort is the default port of the run status server
	DefaultServePort = 8080

	// DefaultResultsPageSize is the default page size for result listings
	DefaultResultsPageSize = 100
)
