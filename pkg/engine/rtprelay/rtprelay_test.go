package rtprelay

import (
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/turnx/pkg/abr"
	"github.com/thesyncim/turnx/pkg/engine"
)

func rtpFrame(t *testing.T, ssrc uint32, seq uint16, payload []byte) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    100,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	return raw
}

func videoConfig() engine.PipelineConfig {
	return engine.PipelineConfig{
		Track:     abr.TrackVideo,
		MinRate:   256,
		MaxRate:   2500,
		FIFODepth: 4,
		SSRC:      0xCAFE,
	}
}

func TestPipeline_RewritesOntoOneStream(t *testing.T) {
	p, err := New().CreatePipeline(videoConfig())
	require.NoError(t, err)
	defer p.Close()

	// Two sources with unrelated SSRCs and sequence numbers.
	require.NoError(t, p.Push(rtpFrame(t, 1, 500, []byte{0xA})))
	require.NoError(t, p.Push(rtpFrame(t, 2, 9, []byte{0xB})))
	require.NoError(t, p.Push(rtpFrame(t, 1, 501, []byte{0xC})))
	require.Equal(t, 3, p.Pending())

	var (
		first uint16
		got   []byte
	)
	for i := 0; i < 3; i++ {
		raw, ok := p.Pop()
		require.True(t, ok)

		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(raw))
		assert.Equal(t, uint32(0xCAFE), pkt.SSRC)
		assert.Equal(t, uint8(videoPayloadType), pkt.PayloadType)
		if i == 0 {
			first = pkt.SequenceNumber
		}
		assert.Equal(t, first+uint16(i), pkt.SequenceNumber, "sequence numbers are gapless")
		got = append(got, pkt.Payload...)
	}
	assert.Equal(t, []byte{0xA, 0xB, 0xC}, got)
}

func TestPipeline_RejectsNonRTP(t *testing.T) {
	p, err := New().CreatePipeline(videoConfig())
	require.NoError(t, err)

	err = p.Push([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, engine.ErrInvalidFrame)
	assert.Equal(t, 0, p.Pending())
}

func TestPipeline_DropsOldestWhenFull(t *testing.T) {
	p, err := New().CreatePipeline(videoConfig())
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		require.NoError(t, p.Push(rtpFrame(t, 1, uint16(i), []byte{byte(i)})))
	}
	assert.Equal(t, 4, p.Pending())
	assert.Equal(t, uint64(2), p.(*Pipeline).Dropped())

	raw, ok := p.Pop()
	require.True(t, ok)
	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(raw))
	assert.Equal(t, []byte{2}, pkt.Payload)
}

func TestPipeline_SetBitrateAndClose(t *testing.T) {
	p, err := New().CreatePipeline(videoConfig())
	require.NoError(t, err)

	assert.Equal(t, 1378, p.(*Pipeline).Bitrate())
	require.NoError(t, p.SetBitrate(700))
	assert.ErrorIs(t, p.SetBitrate(3000), engine.ErrBitrateRejected)
	assert.Equal(t, 700, p.(*Pipeline).Bitrate())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Push(rtpFrame(t, 1, 1, nil)), engine.ErrClosed)
}

func TestPipeline_RandomSSRCWhenUnset(t *testing.T) {
	cfg := videoConfig()
	cfg.SSRC = 0
	p, err := New().CreatePipeline(cfg)
	require.NoError(t, err)
	assert.NotZero(t, p.(*Pipeline).SSRC())
}

// countingInterceptor records every packet written through the local stream.
type countingInterceptor struct {
	interceptor.NoOp
	info    *interceptor.StreamInfo
	writes  int
	unbound bool
}

func (c *countingInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	c.info = info
	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attrs interceptor.Attributes) (int, error) {
		c.writes++
		return writer.Write(header, payload, attrs)
	})
}

func (c *countingInterceptor) UnbindLocalStream(*interceptor.StreamInfo) { c.unbound = true }

type countingFactory struct{ last *countingInterceptor }

func (f *countingFactory) NewInterceptor(string) (interceptor.Interceptor, error) {
	f.last = &countingInterceptor{}
	return f.last, nil
}

func TestPipeline_RunsInterceptorChain(t *testing.T) {
	factory := &countingFactory{}
	cfg := videoConfig()
	cfg.Track = abr.TrackAudio
	cfg.MinRate, cfg.MaxRate = 16, 128

	p, err := New(WithInterceptors(factory)).CreatePipeline(cfg)
	require.NoError(t, err)
	require.NotNil(t, factory.last)

	info := factory.last.info
	require.NotNil(t, info)
	assert.Equal(t, AudioCodec.MimeType, info.MimeType)
	assert.Equal(t, uint32(48000), info.ClockRate)
	assert.Equal(t, uint32(0xCAFE), info.SSRC)

	require.NoError(t, p.Push(rtpFrame(t, 7, 1, []byte{1})))
	require.NoError(t, p.Push(rtpFrame(t, 7, 2, []byte{2})))
	assert.Equal(t, 2, factory.last.writes)
	assert.Equal(t, 2, p.Pending())

	require.NoError(t, p.Close())
	assert.True(t, factory.last.unbound)
}

func TestOpenRegistered(t *testing.T) {
	eng, err := engine.Open(Name, engine.Options{})
	require.NoError(t, err)
	assert.Equal(t, Name, eng.Name())
}
