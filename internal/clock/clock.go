// Package clock abstracts the two time sources the station uses: a monotonic
// clock for timeouts and backoff, and a wall clock for timestamps that leave
// the device.
package clock

import (
	"sync"
	"time"
)

// Clock is consumed by every component that measures elapsed time.
type Clock interface {
	// Now returns a reading suitable for measuring elapsed time.
	Now() time.Time
	// Wall returns the current wall-clock time in UTC.
	Wall() time.Time
}

// System is the production Clock. time.Now carries a monotonic reading, so
// Sub between two Now values is immune to wall-clock steps.
type System struct{}

func (System) Now() time.Time  { return time.Now() }
func (System) Wall() time.Time { return time.Now().UTC() }

// Manual is a Clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	mu   sync.Mutex
	now  time.Time
	wall time.Time
}

// NewManual returns a Manual clock whose monotonic and wall readings both
// start at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, wall: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Wall() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wall
}

// Advance moves both readings forward by d. A negative d moves the
// monotonic reading backwards, which is how tests exercise clock anomalies.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	if d > 0 {
		m.wall = m.wall.Add(d)
	}
}
