// Package clock provides the authority time source shared by the capability validator,
// the context builder and the scheduler. Components never call time.Now directly so
// tests can pin validity windows and deadlines.
package clock

import (
	"sync"
	"time"
)

// Clock provides authority time.
type Clock interface {
	Now() time.Time
}

// Wall is the default clock backed by time.Now.
type Wall struct{}

func (Wall) Now() time.Time { return time.Now() }

// OrWall returns c, or Wall when c is nil.
func OrWall(c Clock) Clock {
	if c == nil {
		return Wall{}
	}
	return c
}

// Manual is a settable clock for tests and replays.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a manual clock pinned at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set pins the clock at t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
