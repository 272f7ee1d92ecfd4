package main

import (
	"context"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/turnx/pkg/engine/loopback"
	"github.com/thesyncim/turnx/pkg/wire"
)

func TestBitrates(t *testing.T) {
	reply := wire.Message{Command: wire.CmdQualityObserve, Frames: [][]byte{wire.Uint64(72), wire.Uint64(1378)}}
	audio, video, err := bitrates(reply)
	require.NoError(t, err)
	assert.Equal(t, uint64(72), audio)
	assert.Equal(t, uint64(1378), video)

	_, _, err = bitrates(wire.Message{Frames: [][]byte{wire.Uint64(72)}})
	assert.ErrorIs(t, err, wire.ErrMalformed, "a missing frame is not read as 0 kbps")

	_, _, err = bitrates(wire.Message{Frames: [][]byte{{1, 2}, wire.Uint64(1)}})
	assert.ErrorIs(t, err, wire.ErrMalformed)
}

func TestSoakDriver_RTPFrames(t *testing.T) {
	d := &soakDriver{rtpFrames: true, payload: make([]byte, 32)}

	var prev uint16
	for i := 0; i < 3; i++ {
		raw, err := d.frame()
		require.NoError(t, err)

		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(raw))
		assert.Len(t, pkt.Payload, 32)
		if i > 0 {
			assert.Equal(t, prev+1, pkt.SequenceNumber)
		}
		prev = pkt.SequenceNumber
	}
}

func TestRunSoakTest_Loopback(t *testing.T) {
	result := runSoakTest(context.Background(), loopback.New(nil), 200*time.Millisecond, 5*time.Millisecond)

	assert.Equal(t, "PASS", result.Status)
	assert.Zero(t, result.SuspiciousEvents)
	assert.Positive(t, result.TotalFrames)
	assert.GreaterOrEqual(t, result.FinalVideo, uint64(256))
	assert.LessOrEqual(t, result.FinalVideo, uint64(2500))
}
