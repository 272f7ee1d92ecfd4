package abr

import (
	"errors"
	"fmt"
	"math"

	"github.com/gammazero/deque"
)

// ErrInvalidRegulator is returned by NewRegulator for unusable parameters.
var ErrInvalidRegulator = errors.New("abr: invalid regulator")

// Regulator converts the pending-frame backlog of one track into a bitrate
// recommendation.
//
// Frames handed to the media engine are pushed into a bounded FIFO and
// removed again when the engine confirms delivery. The FIFO depth is fed to
// the embedded Controller as its target, so a growing backlog pulls the
// bitrate toward the bottom of the band.
type Regulator struct {
	track    Track
	band     Band
	capacity int

	controller *Controller
	pending    deque.Deque[[]byte]

	evicted uint64
}

// NewRegulator creates a regulator for track whose output is confined to
// band. The PID constants come from tuning, which must outlive the
// regulator and is never modified.
func NewRegulator(track Track, band Band, fifoCapacity int, tuning *Tuning) (*Regulator, error) {
	if tuning == nil {
		return nil, fmt.Errorf("%w: nil tuning", ErrInvalidRegulator)
	}
	if !band.Valid() {
		return nil, fmt.Errorf("%w: %s band %v", ErrInvalidRegulator, track, band)
	}
	if fifoCapacity < 1 {
		return nil, fmt.Errorf("%w: fifo capacity %d", ErrInvalidRegulator, fifoCapacity)
	}

	controller, err := NewController(tuning.controllerConfig(band))
	if err != nil {
		return nil, err
	}

	return &Regulator{
		track:      track,
		band:       band,
		capacity:   fifoCapacity,
		controller: controller,
	}, nil
}

// Push records a frame as pending. When the FIFO is full the oldest pending
// frame is evicted first and Push reports true.
func (r *Regulator) Push(frame []byte) (evicted bool) {
	if r.pending.Len() >= r.capacity {
		r.pending.PopFront()
		r.evicted++
		evicted = true
	}
	r.pending.PushBack(frame)
	return evicted
}

// Deliver drops the oldest pending frame. It returns false if nothing was
// pending.
func (r *Regulator) Deliver() bool {
	if r.pending.Len() == 0 {
		return false
	}
	r.pending.PopFront()
	return true
}

// Reconcile drops the oldest pending frames until at most n remain. It is
// used to align the model with the backlog the engine actually reports.
func (r *Regulator) Reconcile(n int) {
	if n < 0 {
		n = 0
	}
	for r.pending.Len() > n {
		r.pending.PopFront()
	}
}

// ObserveAndRecommend feeds the current FIFO depth to the controller and
// returns the resulting bitrate in kbps.
func (r *Regulator) ObserveAndRecommend() int {
	return toKbps(r.controller.Adjust(float64(r.pending.Len())))
}

// Steer drives the controller one step toward an explicit target bitrate.
func (r *Regulator) Steer(target float64) int {
	return toKbps(r.controller.Adjust(target))
}

// Raise steps the bitrate toward the top of the band.
func (r *Regulator) Raise() int {
	return r.Steer(float64(r.band.Max))
}

// Lower steps the bitrate toward the bottom of the band.
func (r *Regulator) Lower() int {
	return r.Steer(float64(r.band.Min))
}

// Bitrate returns the last recommendation in kbps without updating.
func (r *Regulator) Bitrate() int {
	return toKbps(r.controller.Current())
}

// Len returns the number of pending frames.
func (r *Regulator) Len() int {
	return r.pending.Len()
}

// Capacity returns the FIFO capacity.
func (r *Regulator) Capacity() int {
	return r.capacity
}

// Evicted returns how many frames were dropped because the FIFO was full.
func (r *Regulator) Evicted() uint64 {
	return r.evicted
}

// Track returns the regulated track.
func (r *Regulator) Track() Track {
	return r.track
}

// Band returns the legal bitrate band.
func (r *Regulator) Band() Band {
	return r.band
}

// Controller exposes the embedded controller for inspection.
func (r *Regulator) Controller() *Controller {
	return r.controller
}

func toKbps(v float64) int {
	return int(math.Round(v))
}
