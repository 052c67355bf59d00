package registry

import (
	"sync"
	"time"

	"github.com/eclesh/welford"
)

// Stats accumulates size and interval statistics for the events forwarded
// over one session.
type Stats struct {
	mu sync.Mutex

	startedAt time.Time
	last      time.Time

	size *welford.Stats
	dt   *welford.Stats
}

// NewStats returns a pointer to a new initialised Stats
func NewStats(startedAt time.Time) *Stats {
	return &Stats{
		startedAt: startedAt,
		size:      welford.New(),
		dt:        welford.New(),
	}
}

// Add records one forwarded event of n bytes.
func (s *Stats) Add(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := time.Now()
	if s.size.Count() > 0 {
		s.dt.Add(float64(t.Sub(s.last).Seconds()))
	} else {
		s.dt.Add(float64(t.Sub(s.startedAt).Seconds()))
	}
	s.last = t
	s.size.Add(float64(n))
}

// StatsReport summarises forwarding activity for external reporting.
type StatsReport struct {
	Events uint64  `json:"events"`
	Bytes  float64 `json:"bytes"`
	Fps    float64 `json:"fps"`
}

// Report returns a summary of the accumulated statistics.
func (s *Stats) Report() StatsReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := StatsReport{
		Events: uint64(s.size.Count()),
		Bytes:  s.size.Mean() * float64(s.size.Count()),
	}
	if mean := s.dt.Mean(); mean > 0 {
		r.Fps = 1 / mean
	}
	return r
}
