package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/turnx/pkg/abr"
	"github.com/thesyncim/turnx/pkg/engine/loopback"
)

func TestRegistry_CreateAndGet(t *testing.T) {
	r := NewRegistry(loopback.New(nil), nil, nil)

	s, err := r.Create(10, Params{})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	got, err := r.Get(10)
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = r.Get(11)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestRegistry_CreateDuplicate(t *testing.T) {
	r := NewRegistry(loopback.New(nil), nil, nil)

	_, err := r.Create(1, Params{})
	require.NoError(t, err)
	_, err = r.Create(1, Params{})
	assert.ErrorIs(t, err, ErrSessionExists)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_HaltTombstones(t *testing.T) {
	eng := loopback.New(nil)
	r := NewRegistry(eng, nil, nil)

	s, err := r.Create(5, Params{})
	require.NoError(t, err)
	require.NoError(t, r.Halt(5))

	assert.Equal(t, StateHalted, s.State())
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int64(0), eng.Live())

	_, err = r.Get(5)
	assert.ErrorIs(t, err, ErrSessionHalted)
	_, err = r.Create(5, Params{})
	assert.ErrorIs(t, err, ErrSessionHalted, "a halted ident cannot be reused")
	assert.ErrorIs(t, r.Halt(5), ErrSessionHalted)
	assert.ErrorIs(t, r.Halt(6), ErrUnknownSession)
}

func TestRegistry_CreateFailureLeavesNoSession(t *testing.T) {
	video := abr.TrackVideo
	r := NewRegistry(&fakeEngine{failTrack: &video}, nil, nil)

	_, err := r.Create(1, Params{})
	require.Error(t, err)
	assert.Equal(t, 0, r.Len())

	_, err = r.Get(1)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestRegistry_HaltAll(t *testing.T) {
	eng := loopback.New(nil)
	r := NewRegistry(eng, nil, nil)

	for ident := int64(1); ident <= 3; ident++ {
		_, err := r.Create(ident, Params{})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(6), eng.Live())

	require.NoError(t, r.HaltAll())
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int64(0), eng.Live())

	_, err := r.Get(2)
	assert.ErrorIs(t, err, ErrSessionHalted)
	require.NoError(t, r.HaltAll())
}

func TestRegistry_TuningApplies(t *testing.T) {
	tuning := abr.DefaultTuning()
	tuning.FIFOCapacity = 3
	tuning.VideoBand = abr.Band{Min: 100, Max: 300}
	r := NewRegistry(loopback.New(nil), &tuning, nil)

	s, err := r.Create(1, Params{})
	require.NoError(t, err)
	assert.Equal(t, 3, s.Regulator(abr.TrackVideo).Capacity())
	assert.Equal(t, 200, s.Regulator(abr.TrackVideo).Bitrate())

	s2, err := r.Create(2, Params{FIFODepth: 9, Video: abr.Band{Min: 10, Max: 20}})
	require.NoError(t, err)
	assert.Equal(t, 9, s2.Regulator(abr.TrackVideo).Capacity())
	assert.Equal(t, 15, s2.Regulator(abr.TrackVideo).Bitrate())
}
