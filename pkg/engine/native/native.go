// Package native provides an engine backed by libturnx_engine, a shared
// library exposing a primitive-only C ABI that is loaded at runtime with
// purego.
//
// The library is located at process startup. If it cannot be found or is
// missing symbols, engine.Open fails and the process does not start.
package native

import (
	"time"

	"github.com/thesyncim/turnx/pkg/abr"
	"github.com/thesyncim/turnx/pkg/engine"
)

// Name is the backend name used with engine.Open.
const Name = "native"

const (
	// DefaultBitrate is the bitrate (kbps) a pipeline starts at, clamped to
	// its band.
	DefaultBitrate = 512

	// FrameDeadline bounds the time the library may spend on one frame.
	FrameDeadline = 25 * time.Millisecond
)

func init() {
	engine.Register(Name, open)
}

// startBitrate returns DefaultBitrate clamped to cfg's band.
func startBitrate(cfg engine.PipelineConfig) int {
	return abr.Band{Min: cfg.MinRate, Max: cfg.MaxRate}.Clamp(DefaultBitrate)
}
