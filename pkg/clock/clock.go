// Package clock abstracts the current time so expiry decisions and scheduled
// jobs can be tested against a fixed instant.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

type system struct {
	loc *time.Location
}

// System returns the wall clock in loc. Calendar days (lot and prescription
// expiry) are evaluated in that location. A nil loc means UTC.
func System(loc *time.Location) Clock {
	if loc == nil {
		loc = time.UTC
	}
	return system{loc: loc}
}

func (s system) Now() time.Time {
	return time.Now().In(s.loc)
}

// Mock is a settable clock.
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock returns a clock frozen at t.
func NewMock(t time.Time) *Mock {
	return &Mock{now: t}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
