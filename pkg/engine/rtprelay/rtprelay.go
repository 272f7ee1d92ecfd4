// Package rtprelay provides an engine whose frames are RTP packets.
//
// Each pipeline rewrites incoming packets onto a single continuous
// outbound stream (one SSRC, gapless sequence numbers) and runs them through
// a Pion interceptor chain before buffering them for the host. It performs
// no transcoding; the requested bitrate is recorded so that interceptors and
// reports can act on it.
package rtprelay

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync/atomic"

	"github.com/gammazero/deque"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/thesyncim/turnx/pkg/abr"
	"github.com/thesyncim/turnx/pkg/engine"
)

// Name is the backend name used with engine.Open.
const Name = "rtp"

func init() {
	engine.Register(Name, func(opts engine.Options) (engine.Engine, error) {
		return New(WithLogger(opts.Logger)), nil
	})
}

// Codec capabilities advertised for each track.
var (
	AudioCodec = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}
	VideoCodec = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}
)

// Default payload types for the outbound streams.
const (
	audioPayloadType = 111
	videoPayloadType = 96
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithInterceptors adds interceptor factories to every pipeline's chain.
func WithInterceptors(factories ...interceptor.Factory) Option {
	return func(e *Engine) {
		e.factories = append(e.factories, factories...)
	}
}

// Engine is the RTP relay backend.
type Engine struct {
	log       *zap.Logger
	factories []interceptor.Factory
	nextID    atomic.Uint64
}

// New creates an RTP relay engine.
func New(opts ...Option) *Engine {
	e := &Engine{log: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(zap.String("component", "rtp-engine"))
	return e
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return Name }

// CreatePipeline implements engine.Engine.
func (e *Engine) CreatePipeline(cfg engine.PipelineConfig) (engine.Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	for _, f := range e.factories {
		registry.Add(f)
	}
	id := strconv.FormatUint(e.nextID.Add(1), 10)
	chain, err := registry.Build(id)
	if err != nil {
		return nil, fmt.Errorf("build interceptors: %w", err)
	}

	codec, pt := AudioCodec, uint8(audioPayloadType)
	if cfg.Track == abr.TrackVideo {
		codec, pt = VideoCodec, uint8(videoPayloadType)
	}
	ssrc := cfg.SSRC
	if ssrc == 0 {
		ssrc = rand.Uint32()
	}

	p := &Pipeline{
		cfg:     cfg,
		chain:   chain,
		ssrc:    ssrc,
		pt:      pt,
		seq:     uint16(rand.Uint32()),
		bitrate: cfg.MinRate + (cfg.MaxRate-cfg.MinRate)/2,
		info: &interceptor.StreamInfo{
			ID:          id,
			SSRC:        ssrc,
			PayloadType: pt,
			MimeType:    codec.MimeType,
			ClockRate:   codec.ClockRate,
			Channels:    codec.Channels,
		},
	}
	p.writer = chain.BindLocalStream(p.info, interceptor.RTPWriterFunc(p.enqueue))

	e.log.Debug("pipeline created",
		zap.Stringer("track", cfg.Track),
		zap.String("mime", codec.MimeType),
		zap.Uint32("ssrc", ssrc))
	return p, nil
}

// Pipeline is an RTP relay pipeline.
type Pipeline struct {
	cfg    engine.PipelineConfig
	chain  interceptor.Interceptor
	writer interceptor.RTPWriter
	info   *interceptor.StreamInfo

	ssrc uint32
	pt   uint8
	seq  uint16

	out     deque.Deque[[]byte]
	bitrate int
	dropped uint64
	closed  bool
}

// SetBitrate implements engine.Pipeline.
func (p *Pipeline) SetBitrate(kbps int) error {
	if p.closed {
		return engine.ErrClosed
	}
	if kbps < p.cfg.MinRate || kbps > p.cfg.MaxRate {
		return fmt.Errorf("%w: %d kbps outside [%d, %d]", engine.ErrBitrateRejected, kbps, p.cfg.MinRate, p.cfg.MaxRate)
	}
	p.bitrate = kbps
	return nil
}

// Push implements engine.Pipeline. The frame must be a complete RTP packet.
func (p *Pipeline) Push(frame []byte) error {
	if p.closed {
		return engine.ErrClosed
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(frame); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrInvalidFrame, err)
	}

	pkt.Header.SSRC = p.ssrc
	pkt.Header.PayloadType = p.pt
	pkt.Header.SequenceNumber = p.seq
	p.seq++

	if _, err := p.writer.Write(&pkt.Header, pkt.Payload, nil); err != nil {
		return fmt.Errorf("interceptor write: %w", err)
	}
	return nil
}

// enqueue is the tail of the interceptor chain.
func (p *Pipeline) enqueue(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
	pkt := rtp.Packet{Header: *header, Payload: payload}
	raw, err := pkt.Marshal()
	if err != nil {
		return 0, err
	}
	if p.out.Len() >= p.cfg.FIFODepth {
		p.out.PopFront()
		p.dropped++
	}
	p.out.PushBack(raw)
	return len(raw), nil
}

// Pop implements engine.Pipeline.
func (p *Pipeline) Pop() ([]byte, bool) {
	if p.closed || p.out.Len() == 0 {
		return nil, false
	}
	return p.out.PopFront(), true
}

// Pending implements engine.Pipeline.
func (p *Pipeline) Pending() int {
	return p.out.Len()
}

// Close implements engine.Pipeline.
func (p *Pipeline) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.out.Clear()
	p.chain.UnbindLocalStream(p.info)
	return p.chain.Close()
}

// SSRC returns the outbound SSRC.
func (p *Pipeline) SSRC() uint32 { return p.ssrc }

// Bitrate returns the bitrate currently applied.
func (p *Pipeline) Bitrate() int { return p.bitrate }

// Dropped returns the number of packets dropped because the buffer was full.
func (p *Pipeline) Dropped() uint64 { return p.dropped }
