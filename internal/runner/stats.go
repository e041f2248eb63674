package runner

import (
	"sync"
	"time"

	"github.com/omriariav/FaceFindr/internal/match"
)

// Stats counts the outcome of a run. Counters only grow while the run is active.
type Stats struct {
	TotalSeen     int           `json:"total_seen"`
	Matched       int           `json:"matched"`
	AlmostMatched int           `json:"almost_matched"`
	NotMatched    int           `json:"not_matched"`
	Errors        int           `json:"errors"`
	Duplicates    int           `json:"duplicates"`
	Total         int           `json:"total"`
	Elapsed       time.Duration `json:"elapsed_ns"`
}

// Processed returns the number of photos that produced a result.
func (s Stats) Processed() int {
	return s.Matched + s.AlmostMatched + s.NotMatched
}

// Rate returns photos handled per second.
func (s Stats) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.TotalSeen) / s.Elapsed.Seconds()
}

// Count returns the counter for tier.
func (s Stats) Count(tier match.Tier) int {
	switch tier {
	case match.Matched:
		return s.Matched
	case match.AlmostMatched:
		return s.AlmostMatched
	default:
		return s.NotMatched
	}
}

// statsCounter guards Stats for concurrent workers.
type statsCounter struct {
	mu      sync.Mutex
	stats   Stats
	started time.Time
}

func (c *statsCounter) start(total, duplicates int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = time.Now()
	c.stats.Total = total
	c.stats.Duplicates = duplicates
}

func (c *statsCounter) addResult(tier match.Tier) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalSeen++
	switch tier {
	case match.Matched:
		c.stats.Matched++
	case match.AlmostMatched:
		c.stats.AlmostMatched++
	default:
		c.stats.NotMatched++
	}
	return c.snapshotLocked()
}

func (c *statsCounter) addError() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalSeen++
	c.stats.Errors++
	return c.snapshotLocked()
}

func (c *statsCounter) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *statsCounter) snapshotLocked() Stats {
	s := c.stats
	if !c.started.IsZero() {
		s.Elapsed = time.Since(c.started)
	}
	return s
}

func (c *statsCounter) freeze() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snapshotLocked()
	c.stats.Elapsed = s.Elapsed
	c.started = time.Time{}
	return s
}
