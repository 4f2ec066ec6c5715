// Package monitor keeps process-scoped event counters for the status page.
package monitor

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TotalEvents      int64     `json:"total_events"`
	SuccessfulEvents int64     `json:"successful_events"`
	FailedEvents     int64     `json:"failed_events"`
	StartTime        time.Time `json:"start_time"`
}

// Stats counts handled gateway events. The zero value is not usable; call
// NewStats.
type Stats struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewStats starts counting from now.
func NewStats() *Stats {
	return &Stats{snap: Snapshot{StartTime: time.Now()}}
}

// Event counts one processed event.
func (s *Stats) Event() {
	s.mu.Lock()
	s.snap.TotalEvents++
	s.mu.Unlock()
}

// Success counts one event whose downstream call succeeded.
func (s *Stats) Success() {
	s.mu.Lock()
	s.snap.SuccessfulEvents++
	s.mu.Unlock()
}

// Failure counts one event that could not be delivered or served.
func (s *Stats) Failure() {
	s.mu.Lock()
	s.snap.FailedEvents++
	s.mu.Unlock()
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Uptime reports how long the counters have been running.
func (s *Stats) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.snap.StartTime)
}
