package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest frame length a 3-byte varint can declare.
const MaxFrameSize = 1<<21 - 1

// Frame is one length-prefixed unit read off the wire.
type Frame struct {
	// Payload is the frame body without the length prefix.
	Payload []byte
	// Raw is the frame exactly as received, length prefix included.
	Raw []byte
}

// ReadFrame reads a single length-prefixed frame.
// Format: [varint length][payload bytes...]
// It blocks until the whole payload has arrived, so a frame split across
// several socket reads is returned in one piece.
func ReadFrame(r *bufio.Reader) (*Frame, error) {
	length, err := ReadVarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}

	if length == 0 {
		return nil, ErrConnectionClosed
	}
	if length < 0 || length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, MaxFrameSize)
	}

	prefix := VarintSize(int64(length))
	raw := make([]byte, prefix+int(length))
	AppendVarint(raw[:0], int64(length))

	if _, err := io.ReadFull(r, raw[prefix:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: declared %d bytes", ErrTruncatedFrame, length)
		}
		return nil, fmt.Errorf("%w: reading %d byte payload: %w", ErrIOFailure, length, err)
	}

	return &Frame{Payload: raw[prefix:], Raw: raw}, nil
}

// WriteFrame writes payload with its varint length prefix in a single write.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, VarintSize(int64(len(payload)))+len(payload))
	buf = AppendVarint(buf, int64(len(payload)))
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: failed to write frame: %w", ErrIOFailure, err)
	}
	return nil
}
