// Package clock provides the time sources used by rate statistics and
// session reporting.
//
// Sessions read time only through a Clock so tests can drive incoming-rate
// windows and REMB pacing deterministically with a MockClock.
package clock

import "time"

// Clock is a source of monotonic time.
type Clock interface {
	// Now returns the current time. Successive calls must never go
	// backwards.
	Now() time.Time
}

// MonotonicClock is the production Clock. The values returned by time.Now
// carry a monotonic reading, so differences between them are unaffected by
// wall-clock steps.
type MonotonicClock struct{}

// Now returns the current system time with its monotonic reading.
func (MonotonicClock) Now() time.Time {
	return time.Now()
}

// MockClock is a Clock for tests whose time only moves when Advance is
// called. It is not safe for concurrent use.
//
// Usage:
//
//	clk := clock.NewMockClock(time.Time{})
//	s, _ := session.New(1, session.Params{}, eng, nil, session.WithClock(clk))
//	s.SendFrames(abr.TrackVideo, frames)
//	clk.Advance(500 * time.Millisecond)
//	rep, _ := s.Report()
type MockClock struct {
	current time.Time
}

// NewMockClock returns a MockClock set to t. A zero t is replaced by a fixed
// epoch so windows subtracted from it never underflow the zero time.
func NewMockClock(t time.Time) *MockClock {
	if t.IsZero() {
		t = time.Unix(1000000000, 0) // 2001-09-09
	}
	return &MockClock{current: t}
}

// Now returns the mock time.
func (m *MockClock) Now() time.Time {
	return m.current
}

// Advance moves the clock forward by d.
// It panics if d is negative, since a Clock must stay monotonic.
func (m *MockClock) Advance(d time.Duration) {
	if d < 0 {
		panic("MockClock.Advance: duration must be non-negative")
	}
	m.current = m.current.Add(d)
}
