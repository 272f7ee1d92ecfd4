package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// Uint64 encodes v as an 8-byte big-endian frame.
func Uint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), v)
}

// ParseUint64 decodes an 8-byte big-endian frame.
func ParseUint64(frame []byte) (uint64, error) {
	if len(frame) != 8 {
		return 0, fmt.Errorf("%w: want 8-byte integer, got %d bytes", ErrMalformed, len(frame))
	}
	return binary.BigEndian.Uint64(frame), nil
}

// Varints encodes vals as a concatenation of QUIC varints. Values above
// quicvarint.Max are saturated.
func Varints(vals ...uint64) []byte {
	var buf []byte
	for _, v := range vals {
		buf = quicvarint.Append(buf, min(v, quicvarint.Max))
	}
	return buf
}

// ParseVarints decodes a frame made only of QUIC varints.
func ParseVarints(frame []byte) ([]uint64, error) {
	var vals []uint64
	for len(frame) > 0 {
		v, n, err := quicvarint.Parse(frame)
		if err != nil {
			return nil, fmt.Errorf("%w: varint %d: %v", ErrMalformed, len(vals), err)
		}
		vals = append(vals, v)
		frame = frame[n:]
	}
	return vals, nil
}
