// Package engine defines the contract between a session and the media
// pipeline that performs the actual (re)encoding, and a registry of the
// available backends.
//
// A session acquires one Pipeline per track. The pipeline owns whatever
// codec state the backend needs; the session only decides which bitrate to
// request and when to push or pull frames.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/thesyncim/turnx/pkg/abr"
)

// Common errors
var (
	ErrClosed          = errors.New("engine: pipeline closed")
	ErrBitrateRejected = errors.New("engine: bitrate rejected")
	ErrUnavailable     = errors.New("engine: backend unavailable")
	ErrUnknownBackend  = errors.New("engine: unknown backend")
	ErrInvalidFrame    = errors.New("engine: invalid frame")
)

// PipelineConfig describes the pipeline for one track.
type PipelineConfig struct {
	Track abr.Track

	// MinRate and MaxRate bound the encode bitrate in kbps.
	MinRate int
	MaxRate int

	// FIFODepth bounds the number of frames buffered inside the pipeline.
	FIFODepth int

	// SSRC identifies the outbound media stream, when the backend needs one.
	SSRC uint32
}

// Validate checks the fields every backend relies on.
func (c PipelineConfig) Validate() error {
	if c.MinRate < 0 || c.MinRate > c.MaxRate {
		return fmt.Errorf("engine: %s rate band [%d, %d] invalid", c.Track, c.MinRate, c.MaxRate)
	}
	if c.FIFODepth < 1 {
		return fmt.Errorf("engine: %s fifo depth %d invalid", c.Track, c.FIFODepth)
	}
	return nil
}

// Engine creates pipelines.
type Engine interface {
	// Name returns the backend name.
	Name() string

	// CreatePipeline instantiates the pipeline for one track.
	CreatePipeline(cfg PipelineConfig) (Pipeline, error)
}

// Pipeline is the handle to one track's codec pipeline. A pipeline is owned
// by exactly one session and is never used concurrently.
type Pipeline interface {
	// SetBitrate changes the live encode bitrate. An error means the engine
	// refused the value and the previous bitrate is still in effect.
	SetBitrate(kbps int) error

	// Push enqueues one raw frame for (re)encoding.
	Push(frame []byte) error

	// Pop dequeues one processed frame. false means nothing is ready yet.
	Pop() ([]byte, bool)

	// Pending returns the number of frames waiting inside the pipeline.
	Pending() int

	// Close releases the pipeline. It is idempotent.
	Close() error
}

// Options are passed to a backend constructor.
type Options struct {
	Logger *zap.Logger

	// LibraryPath overrides the native library location for FFI backends.
	LibraryPath string
}

// Opener constructs an Engine. Backends that cannot be instantiated return
// an error here, at process startup, rather than on a per-session basis.
type Opener func(opts Options) (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Opener{}
)

// Register makes a backend available to Open. It panics on duplicates.
func Register(name string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[name]; dup {
		panic("engine: Register called twice for backend " + name)
	}
	registry[name] = open
}

// Open instantiates the named backend.
func Open(name string, opts Options) (Engine, error) {
	registryMu.RLock()
	open, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownBackend, name, Backends())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	eng, err := open(opts)
	if err != nil {
		return nil, fmt.Errorf("open %s engine: %w", name, err)
	}
	return eng, nil
}

// Backends lists the registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
