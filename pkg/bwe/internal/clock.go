// Package internal provides internal utilities for the bwe packages.
package internal

import (
	"time"

	"github.com/thesyncim/googcc/pkg/units"
)

// Clock is an interface for obtaining monotonic time.
// This abstraction allows for deterministic testing of time-dependent code.
type Clock interface {
	// Now returns the current time. Implementations must return
	// monotonically non-decreasing values.
	Now() units.Timestamp
}

// epoch anchors MonotonicClock so timestamps stay small and positive.
var epoch = time.Now()

// MonotonicClock is a Clock backed by the runtime's monotonic clock.
// Values are microseconds since process start.
type MonotonicClock struct{}

// Now returns the elapsed monotonic time since process start.
func (MonotonicClock) Now() units.Timestamp {
	return units.TimestampMicros(time.Since(epoch).Microseconds())
}

// MockClock is a Clock implementation for testing that allows manual control
// of time progression. It is not safe for concurrent use.
type MockClock struct {
	current units.Timestamp
}

// NewMockClock creates a MockClock at t. A zero t starts at 1000 s so that
// code subtracting windows from "now" never sees negative time.
func NewMockClock(t units.Timestamp) *MockClock {
	if t == 0 {
		t = units.TimestampSeconds(1000)
	}
	return &MockClock{current: t}
}

// Now returns the mock clock's current time.
func (m *MockClock) Now() units.Timestamp {
	return m.current
}

// Advance moves the clock forward by d.
// Panics if d is negative to maintain monotonicity.
func (m *MockClock) Advance(d units.TimeDelta) {
	if d < 0 {
		panic("MockClock.Advance: duration must be non-negative")
	}
	m.current = m.current.Add(d)
}

// Set sets the clock to t.
// This should only be used for initialization; prefer Advance for tests.
func (m *MockClock) Set(t units.Timestamp) {
	m.current = t
}
