// Package wire implements the framed message protocol spoken with the host
// over stdin and stdout.
//
// Every message is a 4-byte big-endian length followed by that many payload
// bytes. The payload is
//
//	command (1 byte) | ident (8 bytes, big-endian) | count (varint) |
//	count x (length (varint) | bytes)
//
// where varints are QUIC variable-length integers. Any deviation from this
// layout is a ProtocolError; the stream cannot be trusted after one.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// MaxPayloadSize is the default limit on a message payload.
const MaxPayloadSize = 16 << 20

// headerSize is the fixed part of a payload: command and ident.
const headerSize = 1 + 8

// Common errors
var (
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	ErrTruncated       = errors.New("wire: truncated payload")
	ErrTrailingData    = errors.New("wire: trailing data after payload")
	ErrMalformed       = errors.New("wire: malformed field")
)

// ProtocolError reports a malformed stream.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return "wire: " + e.Op + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Message is one request or reply.
type Message struct {
	Command Command
	Ident   int64
	Frames  [][]byte
}

// Frame returns frame i, or nil when absent.
func (m Message) Frame(i int) []byte {
	if i < 0 || i >= len(m.Frames) {
		return nil
	}
	return m.Frames[i]
}

// Reply returns an empty reply addressed to the same ident.
func (m Message) Reply(cmd Command, frames ...[]byte) Message {
	return Message{Command: cmd, Ident: m.Ident, Frames: frames}
}

// ErrorReply returns the Error reply to m. Its frames are the request command
// byte and the error text.
func (m Message) ErrorReply(err error) Message {
	return m.Reply(CmdError, []byte{byte(m.Command)}, []byte(err.Error()))
}

// Size returns the encoded payload size of m.
func (m Message) Size() int {
	n := headerSize + quicvarint.Len(uint64(len(m.Frames)))
	for _, f := range m.Frames {
		n += FrameSize(f)
	}
	return n
}

// FrameSize returns the encoded size of one frame: its length varint plus
// its bytes.
func FrameSize(frame []byte) int {
	return quicvarint.Len(uint64(len(frame))) + len(frame)
}

// FrameBudget returns how many bytes of encoded frames a message may carry
// within maxPayload, reserving the header and the largest frame count.
func FrameBudget(maxPayload int) int {
	return max(maxPayload-headerSize-8, 0)
}

// Append appends the payload encoding of m to buf.
func Append(buf []byte, m Message) []byte {
	buf = append(buf, byte(m.Command))
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.Ident))
	buf = quicvarint.Append(buf, uint64(len(m.Frames)))
	for _, f := range m.Frames {
		buf = quicvarint.Append(buf, uint64(len(f)))
		buf = append(buf, f...)
	}
	return buf
}

// Marshal returns the payload encoding of m.
func Marshal(m Message) []byte {
	return Append(make([]byte, 0, m.Size()), m)
}

// Unmarshal decodes a payload. The returned frames alias payload.
func Unmarshal(payload []byte) (Message, error) {
	if len(payload) < headerSize {
		return Message{}, &ProtocolError{Op: "decode header", Err: ErrTruncated}
	}

	m := Message{
		Command: Command(payload[0]),
		Ident:   int64(binary.BigEndian.Uint64(payload[1:headerSize])),
	}
	rest := payload[headerSize:]

	count, n, err := quicvarint.Parse(rest)
	if err != nil {
		return Message{}, &ProtocolError{Op: "decode frame count", Err: ErrTruncated}
	}
	rest = rest[n:]
	// Every frame needs at least its one-byte length.
	if count > uint64(len(rest)) {
		return Message{}, &ProtocolError{
			Op:  "decode frame count",
			Err: fmt.Errorf("%w: %d frames in %d bytes", ErrMalformed, count, len(rest)),
		}
	}

	if count > 0 {
		m.Frames = make([][]byte, 0, count)
	}
	for i := uint64(0); i < count; i++ {
		size, n, err := quicvarint.Parse(rest)
		if err != nil {
			return Message{}, &ProtocolError{Op: fmt.Sprintf("decode frame %d length", i), Err: ErrTruncated}
		}
		rest = rest[n:]
		if size > uint64(len(rest)) {
			return Message{}, &ProtocolError{Op: fmt.Sprintf("decode frame %d", i), Err: ErrTruncated}
		}
		m.Frames = append(m.Frames, rest[:size:size])
		rest = rest[size:]
	}

	if len(rest) > 0 {
		return Message{}, &ProtocolError{
			Op:  "decode",
			Err: fmt.Errorf("%w: %d bytes", ErrTrailingData, len(rest)),
		}
	}
	return m, nil
}
