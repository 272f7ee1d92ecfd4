package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameBytes(payload []byte) []byte {
	return append(binary.BigEndian.AppendUint32(nil, uint32(len(payload))), payload...)
}

func TestMarshal_Layout(t *testing.T) {
	m := Message{
		Command: CmdVideoSend,
		Ident:   -2,
		Frames:  [][]byte{{0xAA}, {}, bytes.Repeat([]byte{0x01}, 70)},
	}
	got := Marshal(m)
	assert.Equal(t, m.Size(), len(got))

	want := []byte{0x31, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFE, 0x03, 0x01, 0xAA, 0x00, 0x40, 0x46}
	want = append(want, bytes.Repeat([]byte{0x01}, 70)...)
	assert.Equal(t, want, got)

	back, err := Unmarshal(got)
	require.NoError(t, err)
	assert.Equal(t, m.Command, back.Command)
	assert.Equal(t, m.Ident, back.Ident)
	require.Len(t, back.Frames, 3)
	assert.Empty(t, back.Frames[1])
	assert.Equal(t, m.Frames[2], back.Frames[2])
}

func TestUnmarshal_Malformed(t *testing.T) {
	valid := Marshal(Message{Command: CmdPing, Ident: 1, Frames: [][]byte{{1, 2, 3}}})

	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"empty", nil, ErrTruncated},
		{"short header", []byte{0x00, 0x01}, ErrTruncated},
		{"missing count", valid[:headerSize], ErrTruncated},
		{"count too large", append(append([]byte{}, valid[:headerSize]...), 0x05, 0x00), ErrMalformed},
		{"frame truncated", valid[:len(valid)-1], ErrTruncated},
		{"trailing", append(append([]byte{}, valid...), 0x00), ErrTrailingData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.payload)
			require.Error(t, err)
			var perr *ProtocolError
			assert.ErrorAs(t, err, &perr)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUnmarshal_KeepsUnknownCommand(t *testing.T) {
	m, err := Unmarshal(Marshal(Message{Command: Command(0x7E), Ident: 3}))
	require.NoError(t, err)
	assert.False(t, m.Command.Valid())
	assert.Equal(t, "Command(0x7e)", m.Command.String())
}

func TestReaderWriter_Stream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	msgs := []Message{
		{Command: CmdPing},
		{Command: CmdSessionCreate, Ident: 9, Frames: [][]byte{Varints(16, 128, 256, 2500, 32)}},
		{Command: CmdAudioSend, Ident: 9, Frames: [][]byte{{1}, {2, 3}}},
	}
	for _, m := range msgs {
		require.NoError(t, w.WriteMessage(m))
	}

	r := NewReader(&buf)
	for _, want := range msgs {
		got, err := r.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want.Command, got.Command)
		assert.Equal(t, want.Ident, got.Ident)
		assert.Equal(t, len(want.Frames), len(got.Frames))
	}
	_, err := r.ReadMessage()
	assert.Equal(t, io.EOF, err, "clean end on a message boundary")
}

func TestReader_PartialFrames(t *testing.T) {
	full := frameBytes(Marshal(Message{Command: CmdPing, Ident: 1}))

	t.Run("partial length", func(t *testing.T) {
		_, err := NewReader(bytes.NewReader(full[:2])).ReadMessage()
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("partial payload", func(t *testing.T) {
		_, err := NewReader(bytes.NewReader(full[:len(full)-3])).ReadMessage()
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestReader_PayloadLimit(t *testing.T) {
	data := binary.BigEndian.AppendUint32(nil, 1024)
	_, err := NewReader(bytes.NewReader(data), WithMaxPayload(100)).ReadMessage()
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	data = binary.BigEndian.AppendUint32(nil, MaxPayloadSize+1)
	_, err = NewReader(bytes.NewReader(data)).ReadMessage()
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestWriter_PayloadLimit(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, WithMaxPayload(16))

	err := w.WriteMessage(Message{Command: CmdAudioSend, Frames: [][]byte{make([]byte, 32)}})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Zero(t, buf.Len(), "nothing is written for an oversized message")
}

func TestFrameBudget(t *testing.T) {
	const limit = 1024
	budget := FrameBudget(limit)

	// Fill the budget exactly with 100-byte frames and one remainder frame.
	var (
		frames [][]byte
		used   int
	)
	for used+FrameSize(make([]byte, 100)) <= budget {
		frames = append(frames, make([]byte, 100))
		used += FrameSize(frames[len(frames)-1])
	}
	if rest := budget - used - 2; rest > 0 {
		frames = append(frames, make([]byte, rest))
		used += FrameSize(frames[len(frames)-1])
	}
	assert.LessOrEqual(t, used, budget)

	var buf bytes.Buffer
	w := NewWriter(&buf, WithMaxPayload(limit))
	require.NoError(t, w.WriteMessage(Message{Command: CmdVideoReceive, Ident: 1, Frames: frames}))

	assert.Equal(t, 101, FrameSize(make([]byte, 100)))
	assert.Equal(t, 202, FrameSize(make([]byte, 200)))
	assert.Zero(t, FrameBudget(4))
}

func TestMessage_Replies(t *testing.T) {
	req := Message{Command: CmdQualityRaise, Ident: 77, Frames: [][]byte{{1}}}

	pong := req.Reply(CmdPong)
	assert.Equal(t, int64(77), pong.Ident)
	assert.Empty(t, pong.Frames)

	errRep := req.ErrorReply(assert.AnError)
	assert.Equal(t, CmdError, errRep.Command)
	assert.Equal(t, []byte{byte(CmdQualityRaise)}, errRep.Frame(0))
	assert.Equal(t, assert.AnError.Error(), string(errRep.Frame(1)))
	assert.Nil(t, errRep.Frame(2))
}

func TestValues(t *testing.T) {
	v, err := ParseUint64(Uint64(2500))
	require.NoError(t, err)
	assert.Equal(t, uint64(2500), v)

	_, err = ParseUint64([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformed)

	vals, err := ParseVarints(Varints(0, 63, 64, 16383, 16384, 1<<40, 1<<63))
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 63, 64, 16383, 16384, 1 << 40, quicvarint.Max}, vals)

	_, err = ParseVarints([]byte{0x40})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCommand(t *testing.T) {
	for _, c := range []Command{CmdPing, CmdHalt, CmdSessionCreate, CmdReport, CmdError} {
		assert.True(t, c.Valid(), c.String())
	}
	assert.False(t, Command(0x02).Valid())
	assert.True(t, CmdPong.IsReply())
	assert.False(t, CmdPing.IsReply())
	assert.Equal(t, "quality-target", CmdQualityTarget.String())
}
