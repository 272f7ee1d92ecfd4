// Package loopback provides an in-process engine that forwards frames
// unchanged. It enforces the same bitrate band and buffering bounds as a
// real codec pipeline and is the default backend for tests and soak runs.
package loopback

import (
	"fmt"
	"sync/atomic"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"github.com/thesyncim/turnx/pkg/engine"
)

// Name is the backend name used with engine.Open.
const Name = "loopback"

func init() {
	engine.Register(Name, func(opts engine.Options) (engine.Engine, error) {
		return New(opts.Logger), nil
	})
}

// Engine is the loopback backend.
type Engine struct {
	log     *zap.Logger
	created atomic.Uint64
	live    atomic.Int64
}

// New returns a loopback engine. A nil logger disables logging.
func New(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{log: log.With(zap.String("component", "loopback-engine"))}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return Name }

// CreatePipeline implements engine.Engine.
func (e *Engine) CreatePipeline(cfg engine.PipelineConfig) (engine.Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e.created.Add(1)
	e.live.Add(1)
	e.log.Debug("pipeline created",
		zap.Stringer("track", cfg.Track),
		zap.Int("min_kbps", cfg.MinRate),
		zap.Int("max_kbps", cfg.MaxRate),
		zap.Int("fifo_depth", cfg.FIFODepth))

	return &Pipeline{
		engine:  e,
		cfg:     cfg,
		bitrate: cfg.MinRate + (cfg.MaxRate-cfg.MinRate)/2,
	}, nil
}

// Live returns the number of pipelines not yet closed.
func (e *Engine) Live() int64 { return e.live.Load() }

// Created returns the number of pipelines ever created.
func (e *Engine) Created() uint64 { return e.created.Load() }

// Pipeline is a loopback pipeline.
type Pipeline struct {
	engine *Engine
	cfg    engine.PipelineConfig

	frames  deque.Deque[[]byte]
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

// Push implements engine.Pipeline. When the pipeline is full the oldest
// buffered frame is dropped.
func (p *Pipeline) Push(frame []byte) error {
	if p.closed {
		return engine.ErrClosed
	}
	if p.frames.Len() >= p.cfg.FIFODepth {
		p.frames.PopFront()
		p.dropped++
	}
	p.frames.PushBack(frame)
	return nil
}

// Pop implements engine.Pipeline.
func (p *Pipeline) Pop() ([]byte, bool) {
	if p.closed || p.frames.Len() == 0 {
		return nil, false
	}
	return p.frames.PopFront(), true
}

// Pending implements engine.Pipeline.
func (p *Pipeline) Pending() int {
	return p.frames.Len()
}

// Close implements engine.Pipeline.
func (p *Pipeline) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.frames.Clear()
	p.engine.live.Add(-1)
	return nil
}

// Bitrate returns the bitrate currently applied.
func (p *Pipeline) Bitrate() int { return p.bitrate }

// Dropped returns the number of frames dropped because the pipeline was full.
func (p *Pipeline) Dropped() uint64 { return p.dropped }
