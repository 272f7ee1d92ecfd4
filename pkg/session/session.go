// Package session binds the adaptive bitrate state of one relayed call to
// the media engine pipelines that carry it.
//
// A Session owns one Regulator and one engine Pipeline per track. It
// decides which bitrate to request and when frames move in or out of the
// engine; the engine does the codec work. Sessions are not safe for
// concurrent use: the runloop is their only caller.
package session

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/thesyncim/turnx/internal/clock"
	"github.com/thesyncim/turnx/pkg/abr"
	"github.com/thesyncim/turnx/pkg/engine"
	"github.com/thesyncim/turnx/pkg/wire"
)

// Common errors
var (
	ErrNotActive      = errors.New("session: not active")
	ErrUnknownSession = errors.New("session: unknown ident")
	ErrSessionHalted  = errors.New("session: halted")
	ErrSessionExists  = errors.New("session: already exists")
	ErrInvalidParams  = errors.New("session: invalid params")
	ErrFrameTooLarge  = errors.New("session: frame exceeds reply budget")
)

// State is the lifecycle state of a Session.
type State int32

const (
	// StateCreated is the state while pipelines are being acquired.
	StateCreated State = iota
	// StateActive accepts every session command.
	StateActive
	// StateHalted is terminal. Pipelines have been released.
	StateHalted
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Params are the per-session settings carried by the create request. Zero
// fields fall back to the process Tuning.
type Params struct {
	Audio     abr.Band
	Video     abr.Band
	FIFODepth int
	AudioSSRC uint32
	VideoSSRC uint32
}

func (p Params) withDefaults(t *abr.Tuning) Params {
	if p.Audio == (abr.Band{}) {
		p.Audio = t.AudioBand
	}
	if p.Video == (abr.Band{}) {
		p.Video = t.VideoBand
	}
	if p.FIFODepth == 0 {
		p.FIFODepth = t.FIFOCapacity
	}
	return p
}

// Validate checks the bands and FIFO depth.
func (p Params) Validate() error {
	if !p.Audio.Valid() {
		return fmt.Errorf("%w: audio band %s", ErrInvalidParams, p.Audio)
	}
	if !p.Video.Valid() {
		return fmt.Errorf("%w: video band %s", ErrInvalidParams, p.Video)
	}
	if p.FIFODepth < 1 {
		return fmt.Errorf("%w: fifo depth %d", ErrInvalidParams, p.FIFODepth)
	}
	return nil
}

func (p Params) band(t abr.Track) abr.Band {
	if t == abr.TrackVideo {
		return p.Video
	}
	return p.Audio
}

func (p Params) ssrc(t abr.Track) uint32 {
	if t == abr.TrackVideo {
		return p.VideoSSRC
	}
	return p.AudioSSRC
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock sets the time source for rate statistics and REMB pacing.
func WithClock(c clock.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithREMB overrides the REMB scheduler configuration.
func WithREMB(config abr.REMBSchedulerConfig) Option {
	return func(s *Session) {
		s.rembConfig = config
	}
}

type track struct {
	reg   *abr.Regulator
	pipe  engine.Pipeline
	stats *abr.RateStats

	// held is a frame already popped from pipe that did not fit the last
	// receive. It is returned first by the next one.
	held []byte
}

// pending is the engine backlog including a held frame.
func (tr *track) pending() int {
	n := tr.pipe.Pending()
	if tr.held != nil {
		n++
	}
	return n
}

func (tr *track) pop() ([]byte, bool) {
	if tr.held != nil {
		frame := tr.held
		tr.held = nil
		return frame, true
	}
	return tr.pipe.Pop()
}

// Session is the ABR state of one call.
type Session struct {
	ident  int64
	state  State
	params Params
	tracks [2]*track

	log        *zap.Logger
	clock      clock.Clock
	rembConfig abr.REMBSchedulerConfig
	remb       *abr.REMBScheduler
}

// New creates a session and acquires its audio and video pipelines. If
// any step after the first acquisition fails, everything acquired so far is
// released before New returns.
func New(ident int64, params Params, eng engine.Engine, tuning *abr.Tuning, opts ...Option) (*Session, error) {
	if eng == nil {
		return nil, errors.New("session: nil engine")
	}
	if tuning == nil {
		def := abr.DefaultTuning()
		tuning = &def
	}
	params = params.withDefaults(tuning)
	if err := params.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		ident:      ident,
		state:      StateCreated,
		params:     params,
		log:        zap.NewNop(),
		clock:      clock.MonotonicClock{},
		rembConfig: abr.DefaultREMBSchedulerConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.Int64("ident", ident))
	s.remb = abr.NewREMBScheduler(s.rembConfig)

	for _, t := range []abr.Track{abr.TrackAudio, abr.TrackVideo} {
		tr, err := s.acquire(eng, tuning, t)
		if err != nil {
			s.release()
			return nil, err
		}
		s.tracks[t] = tr
	}

	s.state = StateActive
	s.log.Info("session created", zap.Object("session", s))
	return s, nil
}

// acquire builds the regulator and pipeline for one track and aligns the
// pipeline with the regulator's starting bitrate.
func (s *Session) acquire(eng engine.Engine, tuning *abr.Tuning, t abr.Track) (*track, error) {
	band := s.params.band(t)
	reg, err := abr.NewRegulator(t, band, s.params.FIFODepth, tuning)
	if err != nil {
		return nil, err
	}

	pipe, err := eng.CreatePipeline(engine.PipelineConfig{
		Track:     t,
		MinRate:   band.Min,
		MaxRate:   band.Max,
		FIFODepth: s.params.FIFODepth,
		SSRC:      s.params.ssrc(t),
	})
	if err != nil {
		return nil, fmt.Errorf("create %s pipeline: %w", t, err)
	}
	if err := pipe.SetBitrate(reg.Bitrate()); err != nil {
		pipe.Close()
		return nil, fmt.Errorf("%s initial bitrate: %w", t, err)
	}

	return &track{
		reg:   reg,
		pipe:  pipe,
		stats: abr.NewRateStats(abr.DefaultRateStatsConfig()),
	}, nil
}

// release closes every acquired pipeline.
func (s *Session) release() error {
	var errs []error
	for i, tr := range s.tracks {
		if tr == nil {
			continue
		}
		tr.held = nil
		if err := tr.pipe.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pipeline: %w", abr.Track(i), err))
		}
		s.tracks[i] = nil
	}
	return errors.Join(errs...)
}

// Ident returns the host-assigned session identifier.
func (s *Session) Ident() int64 { return s.ident }

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// Params returns the effective parameters.
func (s *Session) Params() Params { return s.params }

// Regulator returns the regulator of track t, or nil once halted.
func (s *Session) Regulator(t abr.Track) *abr.Regulator {
	if tr := s.track(t); tr != nil {
		return tr.reg
	}
	return nil
}

func (s *Session) track(t abr.Track) *track {
	if int(t) >= len(s.tracks) {
		return nil
	}
	return s.tracks[t]
}

func (s *Session) active(t abr.Track) (*track, error) {
	if s.state != StateActive {
		return nil, fmt.Errorf("%w: ident %d is %s", ErrNotActive, s.ident, s.state)
	}
	tr := s.track(t)
	if tr == nil {
		return nil, fmt.Errorf("%w: %d", abr.ErrUnknownTrack, t)
	}
	return tr, nil
}

// SendFrames pushes frames into the track's pipeline and records them as
// pending. It returns how many frames the engine accepted before the first
// failure.
func (s *Session) SendFrames(t abr.Track, frames [][]byte) (int, error) {
	tr, err := s.active(t)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	for i, frame := range frames {
		if err := tr.pipe.Push(frame); err != nil {
			return i, fmt.Errorf("%s push: %w", t, err)
		}
		if tr.reg.Push(frame) {
			s.log.Debug("pending fifo full, evicted oldest", zap.Stringer("track", t))
		}
		tr.stats.Record(len(frame), now)
	}
	return len(frames), nil
}

// ReceiveFrames pops up to limit processed frames. A non-positive limit
// means the FIFO depth. When budget is positive the encoded size of the
// returned frames, as counted by wire.FrameSize, stays within it; the first
// frame that would overflow is kept for the next call. Every returned frame
// is confirmed to the regulator.
func (s *Session) ReceiveFrames(t abr.Track, limit, budget int) ([][]byte, error) {
	tr, err := s.active(t)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = tr.reg.Capacity()
	}

	var (
		out  [][]byte
		used int
	)
	for len(out) < limit {
		frame, ok := tr.pop()
		if !ok {
			break
		}
		if budget > 0 {
			size := wire.FrameSize(frame)
			if size > budget {
				// Can never be delivered in one reply.
				tr.reg.Deliver()
				s.log.Warn("dropping oversized frame",
					zap.Stringer("track", t),
					zap.Int("size", size),
					zap.Int("budget", budget))
				if len(out) > 0 {
					break
				}
				return nil, fmt.Errorf("%w: %s frame of %d bytes, budget %d", ErrFrameTooLarge, t, size, budget)
			}
			if used+size > budget {
				tr.held = frame
				break
			}
			used += size
		}
		tr.reg.Deliver()
		out = append(out, frame)
	}
	return out, nil
}

// Raise moves the track one step toward the top of its band.
func (s *Session) Raise(t abr.Track) (int, error) {
	return s.steer(t, func(r *abr.Regulator) int { return r.Raise() })
}

// Lower moves the track one step toward the bottom of its band.
func (s *Session) Lower(t abr.Track) (int, error) {
	return s.steer(t, func(r *abr.Regulator) int { return r.Lower() })
}

// Target moves the track one step toward kbps.
func (s *Session) Target(t abr.Track, kbps int) (int, error) {
	return s.steer(t, func(r *abr.Regulator) int { return r.Steer(float64(kbps)) })
}

func (s *Session) steer(t abr.Track, step func(*abr.Regulator) int) (int, error) {
	tr, err := s.active(t)
	if err != nil {
		return 0, err
	}
	kbps := step(tr.reg)
	if err := s.apply(t, tr, kbps); err != nil {
		return 0, err
	}
	return kbps, nil
}

// Observe reconciles each regulator with its pipeline's real backlog and
// applies the recommended bitrates. Both tracks are stepped and offered to
// their pipelines even if one of them refuses; the returned error then
// names every refusal and the accepted track keeps its new bitrate.
func (s *Session) Observe() (audio, video int, err error) {
	var (
		rates  [2]int
		tracks [2]*track
	)
	for _, t := range []abr.Track{abr.TrackAudio, abr.TrackVideo} {
		tr, err := s.active(t)
		if err != nil {
			return 0, 0, err
		}
		tr.reg.Reconcile(tr.pending())
		rates[t] = tr.reg.ObserveAndRecommend()
		tracks[t] = tr
	}

	var errs []error
	for i, tr := range tracks {
		if err := s.apply(abr.Track(i), tr, rates[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return 0, 0, errors.Join(errs...)
	}
	return rates[abr.TrackAudio], rates[abr.TrackVideo], nil
}

func (s *Session) apply(t abr.Track, tr *track, kbps int) error {
	if err := tr.pipe.SetBitrate(kbps); err != nil {
		s.log.Warn("engine refused bitrate",
			zap.Stringer("track", t),
			zap.Int("kbps", kbps),
			zap.Error(err))
		return fmt.Errorf("%s set bitrate: %w", t, err)
	}
	return nil
}

// TrackStats is the per-track part of a Report.
type TrackStats struct {
	Bitrate     int
	Pending     int
	IncomingBps int64
}

// Report summarises both tracks. REMB is an RTCP REMB packet carrying the
// combined bitrate, present only when the scheduler decided one is due.
type Report struct {
	Audio TrackStats
	Video TrackStats
	REMB  []byte
}

// Report returns the current statistics of both tracks.
func (s *Session) Report() (Report, error) {
	if s.state != StateActive {
		return Report{}, fmt.Errorf("%w: ident %d is %s", ErrNotActive, s.ident, s.state)
	}

	now := s.clock.Now()
	var stats [2]TrackStats
	for i, tr := range s.tracks {
		incoming, _ := tr.stats.Rate(now)
		stats[i] = TrackStats{
			Bitrate:     tr.reg.Bitrate(),
			Pending:     tr.reg.Len(),
			IncomingBps: incoming,
		}
	}

	rep := Report{Audio: stats[abr.TrackAudio], Video: stats[abr.TrackVideo]}
	var ssrcs []uint32
	for _, ssrc := range []uint32{s.params.AudioSSRC, s.params.VideoSSRC} {
		if ssrc != 0 {
			ssrcs = append(ssrcs, ssrc)
		}
	}
	bps := abr.KbpsToBps(rep.Audio.Bitrate + rep.Video.Bitrate)
	remb, sent, err := s.remb.MaybeBuild(bps, ssrcs, now)
	if err != nil {
		return Report{}, fmt.Errorf("build remb: %w", err)
	}
	if sent {
		rep.REMB = remb
	}
	return rep, nil
}

// Halt releases both pipelines and moves the session to StateHalted. It is
// idempotent.
func (s *Session) Halt() error {
	if s.state == StateHalted {
		return nil
	}
	err := s.release()
	s.state = StateHalted
	s.log.Info("session halted", zap.Error(err))
	return err
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (s *Session) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if s == nil {
		return nil
	}
	e.AddInt64("ident", s.ident)
	e.AddString("state", s.state.String())
	e.AddInt("fifoDepth", s.params.FIFODepth)
	for i, tr := range s.tracks {
		if tr == nil {
			continue
		}
		name := abr.Track(i).String()
		e.AddInt(name+"Kbps", tr.reg.Bitrate())
		e.AddInt(name+"Pending", tr.reg.Len())
	}
	return nil
}
