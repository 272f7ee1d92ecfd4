package abr

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidTuning is returned by Tuning.Validate.
var ErrInvalidTuning = errors.New("abr: invalid tuning")

// Tuning holds the process-wide regulator constants. It is built once at
// startup and shared by pointer; regulators never modify it.
type Tuning struct {
	// PID weights shared by every track.
	WeightProportion float64 `json:"weight_proportion"`
	WeightIntegral   float64 `json:"weight_integral"`
	WeightDerivative float64 `json:"weight_derivative"`

	// IntegralSize is the integral window length.
	IntegralSize int `json:"integral_size"`

	// FIFOCapacity is the pending-frame capacity used when a session does
	// not request one.
	FIFOCapacity int `json:"fifo_capacity"`

	// AudioBand and VideoBand are the bitrate bands used when a session
	// does not request one.
	AudioBand Band `json:"audio_band"`
	VideoBand Band `json:"video_band"`
}

// DefaultTuning returns the default regulator constants.
func DefaultTuning() Tuning {
	return Tuning{
		WeightProportion: 0.02,
		WeightIntegral:   0.15,
		WeightDerivative: 0.01,
		IntegralSize:     4,
		FIFOCapacity:     32,
		AudioBand:        Band{Min: 16, Max: 128},
		VideoBand:        Band{Min: 256, Max: 2500},
	}
}

// Validate checks that the tuning can build regulators.
func (t *Tuning) Validate() error {
	for name, w := range map[string]float64{
		"weight_proportion": t.WeightProportion,
		"weight_integral":   t.WeightIntegral,
		"weight_derivative": t.WeightDerivative,
	} {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: %s = %v", ErrInvalidTuning, name, w)
		}
	}
	if t.IntegralSize < 1 {
		return fmt.Errorf("%w: integral_size = %d", ErrInvalidTuning, t.IntegralSize)
	}
	if t.FIFOCapacity < 1 {
		return fmt.Errorf("%w: fifo_capacity = %d", ErrInvalidTuning, t.FIFOCapacity)
	}
	if !t.AudioBand.Valid() {
		return fmt.Errorf("%w: audio_band %v", ErrInvalidTuning, t.AudioBand)
	}
	if !t.VideoBand.Valid() {
		return fmt.Errorf("%w: video_band %v", ErrInvalidTuning, t.VideoBand)
	}
	return nil
}

// Band returns the default band for a track.
func (t *Tuning) Band(track Track) Band {
	if track == TrackVideo {
		return t.VideoBand
	}
	return t.AudioBand
}

func (t *Tuning) controllerConfig(band Band) ControllerConfig {
	return ControllerConfig{
		Min:              float64(band.Min),
		Max:              float64(band.Max),
		WeightProportion: t.WeightProportion,
		WeightIntegral:   t.WeightIntegral,
		WeightDerivative: t.WeightDerivative,
		IntegralSize:     t.IntegralSize,
	}
}
