// Package abr implements lag-sensing adaptive bitrate control for the
// audio and video tracks of a relayed call.
//
// A Controller is a discrete PID regulator whose own output is its feedback
// state: every Adjust moves the output a weighted step toward the target and
// clamps it to a fixed band. A Regulator pairs one Controller with a bounded
// FIFO of frames that were handed to the media engine but not yet confirmed
// delivered; the FIFO depth is the lag signal that drives the bitrate.
package abr

import (
	"errors"
	"fmt"
)

// Track identifies one of the two media tracks of a session.
type Track uint8

const (
	// TrackAudio is the audio track.
	TrackAudio Track = iota
	// TrackVideo is the video track.
	TrackVideo
)

// ErrUnknownTrack is returned when a track byte is neither audio nor video.
var ErrUnknownTrack = errors.New("abr: unknown track")

// String returns a string representation of the Track.
func (t Track) String() string {
	switch t {
	case TrackAudio:
		return "audio"
	case TrackVideo:
		return "video"
	default:
		return "unknown"
	}
}

// ParseTrack converts a wire track byte into a Track.
func ParseTrack(b byte) (Track, error) {
	switch Track(b) {
	case TrackAudio, TrackVideo:
		return Track(b), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownTrack, b)
	}
}

// Band is an inclusive bitrate range in kbps.
type Band struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Valid reports whether the band is non-empty and non-negative.
func (b Band) Valid() bool {
	return b.Min >= 0 && b.Min <= b.Max
}

// Contains reports whether kbps lies within the band.
func (b Band) Contains(kbps int) bool {
	return kbps >= b.Min && kbps <= b.Max
}

// Midpoint returns the center of the band.
func (b Band) Midpoint() float64 {
	return (float64(b.Min) + float64(b.Max)) / 2
}

// Clamp limits kbps to the band.
func (b Band) Clamp(kbps int) int {
	return min(max(kbps, b.Min), b.Max)
}

func (b Band) String() string {
	return fmt.Sprintf("[%d, %d] kbps", b.Min, b.Max)
}
