package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Option configures a Reader or Writer.
type Option func(*options)

type options struct {
	maxPayload int
}

// WithMaxPayload sets the payload size limit. Non-positive values keep
// MaxPayloadSize.
func WithMaxPayload(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPayload = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{maxPayload: MaxPayloadSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Reader reads length-prefixed messages.
type Reader struct {
	r   *bufio.Reader
	opt options
	hdr [4]byte
}

// NewReader returns a Reader reading from r.
func NewReader(r io.Reader, opts ...Option) *Reader {
	return &Reader{r: bufio.NewReader(r), opt: buildOptions(opts)}
}

// ReadMessage blocks until one complete message has been read. It returns
// io.EOF only when the stream ends on a message boundary; any other failure
// is a *ProtocolError.
func (r *Reader) ReadMessage() (Message, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, &ProtocolError{Op: "read length", Err: err}
	}

	size := binary.BigEndian.Uint32(r.hdr[:])
	if uint64(size) > uint64(r.opt.maxPayload) {
		return Message{}, &ProtocolError{
			Op:  "read length",
			Err: fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, r.opt.maxPayload),
		}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, &ProtocolError{Op: "read payload", Err: err}
	}
	return Unmarshal(payload)
}

// Writer writes length-prefixed messages.
type Writer struct {
	w   *bufio.Writer
	opt options
	buf []byte
}

// NewWriter returns a Writer writing to w.
func NewWriter(w io.Writer, opts ...Option) *Writer {
	return &Writer{w: bufio.NewWriter(w), opt: buildOptions(opts)}
}

// WriteMessage writes m as one frame and flushes it.
func (w *Writer) WriteMessage(m Message) error {
	size := m.Size()
	if size > w.opt.maxPayload {
		return &ProtocolError{
			Op:  "write",
			Err: fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, w.opt.maxPayload),
		}
	}

	w.buf = binary.BigEndian.AppendUint32(w.buf[:0], uint32(size))
	w.buf = Append(w.buf, m)
	if _, err := w.w.Write(w.buf); err != nil {
		return fmt.Errorf("wire: write: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("wire: flush: %w", err)
	}
	return nil
}
