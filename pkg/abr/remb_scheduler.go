package abr

import (
	"time"
)

// REMBSchedulerConfig configures when a session report carries a REMB.
type REMBSchedulerConfig struct {
	// Interval is the regular REMB period. Reports requested more often
	// than this carry no REMB unless the bitrate dropped.
	// Default: 1 second
	Interval time.Duration

	// DecreaseThreshold is the relative drop that forces an early REMB, so
	// upstream senders back off as soon as a session lowers its bitrate.
	// Increases always wait for the next interval.
	// Default: 0.03 (3%)
	DecreaseThreshold float64

	// SenderSSRC is written into every REMB. Zero is valid: the relay has
	// no media stream of its own to identify.
	SenderSSRC uint32
}

// DefaultREMBSchedulerConfig returns the default scheduler configuration.
func DefaultREMBSchedulerConfig() REMBSchedulerConfig {
	return REMBSchedulerConfig{
		Interval:          time.Second,
		DecreaseThreshold: 0.03,
	}
}

// REMBScheduler rate-limits REMB feedback: one per interval, or
// immediately when the announced bitrate falls by DecreaseThreshold or more.
//
// Usage:
//
//	sched := NewREMBScheduler(DefaultREMBSchedulerConfig())
//	if pkt, ok, err := sched.MaybeBuild(KbpsToBps(kbps), ssrcs, now); err == nil && ok {
//	    report.REMB = pkt
//	}
type REMBScheduler struct {
	config   REMBSchedulerConfig
	lastSent time.Time
	lastBps  uint64
}

// NewREMBScheduler creates a scheduler, applying defaults for zero fields.
func NewREMBScheduler(config REMBSchedulerConfig) *REMBScheduler {
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.DecreaseThreshold <= 0 {
		config.DecreaseThreshold = 0.03
	}
	return &REMBScheduler{config: config}
}

// Due reports whether a REMB for bitrateBps should be emitted at now.
// It returns true when either:
//   - no REMB was sent yet, or Interval has elapsed since the last one
//   - bitrateBps is at least DecreaseThreshold below the last value sent
//
// Due does not record anything; MaybeBuild does.
func (s *REMBScheduler) Due(bitrateBps uint64, now time.Time) bool {
	if s.lastBps > 0 && bitrateBps < s.lastBps {
		drop := float64(s.lastBps-bitrateBps) / float64(s.lastBps)
		if drop >= s.config.DecreaseThreshold {
			return true
		}
	}
	return s.lastSent.IsZero() || now.Sub(s.lastSent) >= s.config.Interval
}

// MaybeBuild returns a marshaled REMB and true when one is due, recording
// the send.
//
// Parameters:
//   - bitrateBps: combined session bitrate in bits per second
//   - ssrcs: media SSRCs the bitrate applies to; may be empty
//   - now: current time from the session clock
//
// A marshal failure leaves the previous send recorded.
func (s *REMBScheduler) MaybeBuild(bitrateBps uint64, ssrcs []uint32, now time.Time) ([]byte, bool, error) {
	if !s.Due(bitrateBps, now) {
		return nil, false, nil
	}
	data, err := BuildREMB(s.config.SenderSSRC, bitrateBps, ssrcs)
	if err != nil {
		return nil, false, err
	}
	s.lastSent = now
	s.lastBps = bitrateBps
	return data, true, nil
}

// LastSent returns the time and value of the last REMB.
func (s *REMBScheduler) LastSent() (time.Time, uint64) {
	return s.lastSent, s.lastBps
}

// Reset forgets the previous send.
func (s *REMBScheduler) Reset() {
	s.lastSent = time.Time{}
	s.lastBps = 0
}
