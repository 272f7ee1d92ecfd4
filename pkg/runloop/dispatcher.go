package runloop

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/thesyncim/turnx/pkg/abr"
	"github.com/thesyncim/turnx/pkg/session"
	"github.com/thesyncim/turnx/pkg/wire"
)

// ErrBadRequest is returned in an Error reply when a request's frames do not
// match what its command expects.
var ErrBadRequest = errors.New("runloop: bad request")

// Dispatcher maps each request to exactly one reply.
type Dispatcher struct {
	log        *zap.Logger
	sessions   *session.Registry
	maxPayload int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithReplyLimit bounds reply payloads to n bytes. Receive replies are cut
// short to stay within it. Non-positive values keep wire.MaxPayloadSize.
func WithReplyLimit(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxPayload = n
		}
	}
}

// NewDispatcher creates a dispatcher over sessions. If log is nil,
// zap.NewNop() is used.
func NewDispatcher(sessions *session.Registry, log *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		log:        log.With(zap.String("component", "dispatcher")),
		sessions:   sessions,
		maxPayload: wire.MaxPayloadSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes req. halt reports that the request asked the process to
// stop. A non-nil error is fatal and comes without a reply; every other
// failure is returned as an Error reply carrying the request ident.
func (d *Dispatcher) Dispatch(req wire.Message) (reply wire.Message, halt bool, err error) {
	switch req.Command {
	case wire.CmdPing:
		return req.Reply(wire.CmdPong), false, nil
	case wire.CmdHalt:
		return req.Reply(wire.CmdHaltAck), true, nil
	}

	handler, ok := d.handler(req.Command)
	if !ok {
		return wire.Message{}, false, fmt.Errorf("%w: %s", ErrUnknownCommand, req.Command)
	}

	frames, herr := handler(req)
	if herr != nil {
		d.log.Warn("request failed",
			zap.Stringer("command", req.Command),
			zap.Int64("ident", req.Ident),
			zap.Error(herr))
		return req.ErrorReply(herr), false, nil
	}
	return req.Reply(req.Command, frames...), false, nil
}

type handlerFunc func(req wire.Message) ([][]byte, error)

func (d *Dispatcher) handler(cmd wire.Command) (handlerFunc, bool) {
	switch cmd {
	case wire.CmdSessionCreate:
		return d.create, true
	case wire.CmdSessionHalt:
		return d.halt, true
	case wire.CmdQualityRaise:
		return d.quality((*session.Session).Raise), true
	case wire.CmdQualityLower:
		return d.quality((*session.Session).Lower), true
	case wire.CmdQualityTarget:
		return d.target, true
	case wire.CmdQualityObserve:
		return d.observe, true
	case wire.CmdAudioSend:
		return d.send(abr.TrackAudio), true
	case wire.CmdVideoSend:
		return d.send(abr.TrackVideo), true
	case wire.CmdAudioReceive:
		return d.receive(abr.TrackAudio), true
	case wire.CmdVideoReceive:
		return d.receive(abr.TrackVideo), true
	case wire.CmdReport:
		return d.report, true
	default:
		return nil, false
	}
}

func (d *Dispatcher) create(req wire.Message) ([][]byte, error) {
	params, err := decodeParams(req.Frame(0))
	if err != nil {
		return nil, err
	}
	if _, err := d.sessions.Create(req.Ident, params); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Dispatcher) halt(req wire.Message) ([][]byte, error) {
	return nil, d.sessions.Halt(req.Ident)
}

func (d *Dispatcher) quality(step func(*session.Session, abr.Track) (int, error)) handlerFunc {
	return func(req wire.Message) ([][]byte, error) {
		s, err := d.sessions.Get(req.Ident)
		if err != nil {
			return nil, err
		}
		track, err := decodeTrack(req)
		if err != nil {
			return nil, err
		}
		kbps, err := step(s, track)
		if err != nil {
			return nil, err
		}
		return [][]byte{wire.Uint64(uint64(kbps))}, nil
	}
}

func (d *Dispatcher) target(req wire.Message) ([][]byte, error) {
	s, err := d.sessions.Get(req.Ident)
	if err != nil {
		return nil, err
	}
	track, err := decodeTrack(req)
	if err != nil {
		return nil, err
	}
	if len(req.Frames) != 2 {
		return nil, fmt.Errorf("%w: target wants [track, kbps], got %d frames", ErrBadRequest, len(req.Frames))
	}
	kbps, err := wire.ParseUint64(req.Frames[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	got, err := s.Target(track, int(min(kbps, math.MaxInt32)))
	if err != nil {
		return nil, err
	}
	return [][]byte{wire.Uint64(uint64(got))}, nil
}

func (d *Dispatcher) observe(req wire.Message) ([][]byte, error) {
	s, err := d.sessions.Get(req.Ident)
	if err != nil {
		return nil, err
	}
	audio, video, err := s.Observe()
	if err != nil {
		return nil, err
	}
	return [][]byte{wire.Uint64(uint64(audio)), wire.Uint64(uint64(video))}, nil
}

func (d *Dispatcher) send(track abr.Track) handlerFunc {
	return func(req wire.Message) ([][]byte, error) {
		s, err := d.sessions.Get(req.Ident)
		if err != nil {
			return nil, err
		}
		n, err := s.SendFrames(track, req.Frames)
		if err != nil {
			return nil, fmt.Errorf("accepted %d of %d: %w", n, len(req.Frames), err)
		}
		return [][]byte{wire.Uint64(uint64(n))}, nil
	}
}

func (d *Dispatcher) receive(track abr.Track) handlerFunc {
	return func(req wire.Message) ([][]byte, error) {
		s, err := d.sessions.Get(req.Ident)
		if err != nil {
			return nil, err
		}
		limit := 0
		if f := req.Frame(0); f != nil {
			v, err := wire.ParseUint64(f)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
			}
			limit = int(min(v, math.MaxInt32))
		}
		return s.ReceiveFrames(track, limit, wire.FrameBudget(d.maxPayload))
	}
}

func (d *Dispatcher) report(req wire.Message) ([][]byte, error) {
	s, err := d.sessions.Get(req.Ident)
	if err != nil {
		return nil, err
	}
	rep, err := s.Report()
	if err != nil {
		return nil, err
	}
	frames := [][]byte{encodeStats(rep.Audio), encodeStats(rep.Video)}
	if rep.REMB != nil {
		frames = append(frames, rep.REMB)
	}
	return frames, nil
}

func decodeTrack(req wire.Message) (abr.Track, error) {
	f := req.Frame(0)
	if len(f) != 1 {
		return 0, fmt.Errorf("%w: want one track byte, got %d bytes", ErrBadRequest, len(f))
	}
	return abr.ParseTrack(f[0])
}

// decodeParams reads audioMin, audioMax, videoMin, videoMax, fifoDepth and
// optionally audioSSRC, videoSSRC. An absent frame selects every default.
func decodeParams(frame []byte) (session.Params, error) {
	if len(frame) == 0 {
		return session.Params{}, nil
	}
	vals, err := wire.ParseVarints(frame)
	if err != nil {
		return session.Params{}, fmt.Errorf("%w: params: %v", ErrBadRequest, err)
	}
	if len(vals) != 5 && len(vals) != 7 {
		return session.Params{}, fmt.Errorf("%w: params want 5 or 7 values, got %d", ErrBadRequest, len(vals))
	}
	for i, v := range vals[:5] {
		if v > math.MaxInt32 {
			return session.Params{}, fmt.Errorf("%w: param %d out of range", ErrBadRequest, i)
		}
	}

	p := session.Params{
		Audio:     abr.Band{Min: int(vals[0]), Max: int(vals[1])},
		Video:     abr.Band{Min: int(vals[2]), Max: int(vals[3])},
		FIFODepth: int(vals[4]),
	}
	if len(vals) == 7 {
		if vals[5] > math.MaxUint32 || vals[6] > math.MaxUint32 {
			return session.Params{}, fmt.Errorf("%w: ssrc out of range", ErrBadRequest)
		}
		p.AudioSSRC = uint32(vals[5])
		p.VideoSSRC = uint32(vals[6])
	}
	return p, nil
}

// EncodeParams is the inverse of the create request decoding.
func EncodeParams(p session.Params) []byte {
	vals := []uint64{
		uint64(p.Audio.Min), uint64(p.Audio.Max),
		uint64(p.Video.Min), uint64(p.Video.Max),
		uint64(p.FIFODepth),
	}
	if p.AudioSSRC != 0 || p.VideoSSRC != 0 {
		vals = append(vals, uint64(p.AudioSSRC), uint64(p.VideoSSRC))
	}
	return wire.Varints(vals...)
}

func encodeStats(ts session.TrackStats) []byte {
	return wire.Varints(uint64(ts.Bitrate), uint64(ts.Pending), uint64(max(ts.IncomingBps, 0)))
}

// DecodeStats parses one per-track stats frame of a Report reply.
func DecodeStats(frame []byte) (session.TrackStats, error) {
	vals, err := wire.ParseVarints(frame)
	if err != nil {
		return session.TrackStats{}, err
	}
	if len(vals) != 3 {
		return session.TrackStats{}, fmt.Errorf("%w: stats want 3 values, got %d", wire.ErrMalformed, len(vals))
	}
	return session.TrackStats{
		Bitrate:     int(vals[0]),
		Pending:     int(vals[1]),
		IncomingBps: int64(vals[2]),
	}, nil
}
