package abr

import (
	"time"

	"github.com/gammazero/deque"
)

// RateStatsConfig configures the sliding window used to measure the
// incoming bitrate of a track.
type RateStatsConfig struct {
	// WindowSize is the sliding window length. Samples older than this
	// relative to the latest call are dropped. A longer window smooths
	// bursty senders at the cost of reacting later to a rate change.
	// Default: 1 second
	WindowSize time.Duration
}

// DefaultRateStatsConfig returns the default rate statistics configuration.
func DefaultRateStatsConfig() RateStatsConfig {
	return RateStatsConfig{
		WindowSize: time.Second,
	}
}

// rateSample is the size of one sent frame and when it was recorded.
type rateSample struct {
	at    time.Time
	bytes int64
}

// RateStats measures the bitrate of frames sent by the host over a sliding
// time window. It complements the lag signal in session reports: the lag
// tells how far the engine is behind, the rate tells how much the host is
// actually pushing.
//
// Usage:
//
//	r := NewRateStats(DefaultRateStatsConfig())
//	for _, frame := range frames {
//	    r.Record(len(frame), now)
//	}
//	if bps, ok := r.Rate(now); ok {
//	    report.IncomingBps = bps
//	}
//
// RateStats is not safe for concurrent use.
type RateStats struct {
	window  time.Duration
	samples deque.Deque[rateSample]
	total   int64
}

// NewRateStats creates a rate tracker. A non-positive window falls back to
// one second.
func NewRateStats(config RateStatsConfig) *RateStats {
	if config.WindowSize <= 0 {
		config.WindowSize = time.Second
	}
	return &RateStats{window: config.WindowSize}
}

// Record adds a frame of the given size observed at now.
// Samples that fell out of the window are expired first, so a call after a
// long pause starts the measurement afresh.
func (r *RateStats) Record(bytes int, now time.Time) {
	r.expire(now)
	r.samples.PushBack(rateSample{at: now, bytes: int64(bytes)})
	r.total += int64(bytes)
}

// Rate returns the bitrate in bits per second over the window ending at now.
//
// The rate is the bytes in the window divided by the span between the
// oldest and newest sample, not by the window length, so a sender that just
// started is not under-reported. It reports false until at least two
// samples span one millisecond or more.
func (r *RateStats) Rate(now time.Time) (bitsPerSec int64, ok bool) {
	r.expire(now)
	if r.samples.Len() < 2 {
		return 0, false
	}

	elapsed := r.samples.Back().at.Sub(r.samples.Front().at)
	if elapsed < time.Millisecond {
		return 0, false
	}
	return int64(float64(r.total*8) / elapsed.Seconds()), true
}

// Reset drops all samples.
func (r *RateStats) Reset() {
	r.samples.Clear()
	r.total = 0
}

// expire drops samples older than the window and keeps total in step.
func (r *RateStats) expire(now time.Time) {
	cutoff := now.Add(-r.window)
	for r.samples.Len() > 0 && r.samples.Front().at.Before(cutoff) {
		s := r.samples.PopFront()
		r.total -= s.bytes
	}
}
