package command

import (
	"sort"
	"sync"
	"time"
)

// Summary aggregates every recorded execution of one command name.
// Timing fields cover successful executions only.
type Summary struct {
	Name        string  `json:"name"`
	Count       int64   `json:"count"`
	FailedCount int64   `json:"failed_count"`
	TotalMs     float64 `json:"total_ms"`
	MinMs       float64 `json:"min_ms"`
	MaxMs       float64 `json:"max_ms"`
	AvgMs       float64 `json:"avg_ms"`
	MedianMs    float64 `json:"median_ms"`
	LastError   string  `json:"last_error,omitempty"`
}

type summary struct {
	mu        sync.Mutex
	name      string
	count     int64
	failed    int64
	total     time.Duration
	min       time.Duration
	max       time.Duration
	samples   *ring[time.Duration]
	lastError string
}

func newSummary(name string, samples int) *summary {
	return &summary{
		name:    name,
		samples: newRing[time.Duration](samples),
	}
}

func (s *summary) recordSuccess(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	succeeded := s.count - s.failed
	s.count++
	s.total += d
	if succeeded == 0 || d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
	s.samples.push(d)
}

func (s *summary) recordFailure(errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.failed++
	s.lastError = errMsg
}

func (s *summary) snapshot() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Summary{
		Name:        s.name,
		Count:       s.count,
		FailedCount: s.failed,
		TotalMs:     millis(s.total),
		MinMs:       millis(s.min),
		MaxMs:       millis(s.max),
		LastError:   s.lastError,
	}
	if succeeded := s.count - s.failed; succeeded > 0 {
		out.AvgMs = out.TotalMs / float64(succeeded)
	}
	out.MedianMs = millis(median(s.samples.snapshot()))
	return out
}

func median(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
