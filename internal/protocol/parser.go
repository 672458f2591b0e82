package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// cursor reads fields out of a frame payload. Every read that runs past the
// end of the payload fails with ErrTruncatedFrame.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

// ReadByte implements io.ByteReader for the varint decoder.
func (c *cursor) ReadByte() (byte, error) {
	if c.off >= len(c.buf) {
		return 0, io.EOF
	}
	b := c.buf[c.off]
	c.off++
	return b, nil
}

func (c *cursor) readVarint(field string) (int32, error) {
	v, err := ReadVarint(c)
	if errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("%w: missing %s", ErrTruncatedFrame, field)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func (c *cursor) next(n int, field string) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d left", ErrTruncatedFrame, field, n, c.remaining())
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) readUint16(field string) (uint16, error) {
	b, err := c.next(2, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (c *cursor) readInt64(field string) (int64, error) {
	b, err := c.next(8, field)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (c *cursor) readString(maxChars int, field string) (string, error) {
	n, err := c.readVarint(field + " length")
	if err != nil {
		return "", err
	}
	// A UTF-8 character is at most 4 bytes.
	if n < 0 || int(n) > maxChars*4 {
		return "", fmt.Errorf("%w: %s length %d", ErrInvalidString, field, n)
	}
	b, err := c.next(int(n), field)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidString, field)
	}
	if utf8.RuneCount(b) > maxChars {
		return "", fmt.Errorf("%w: %s longer than %d characters", ErrInvalidString, field, maxChars)
	}
	return string(b), nil
}

func (c *cursor) end(packet string) error {
	if n := c.remaining(); n != 0 {
		return fmt.Errorf("%w: %s has %d unread bytes", ErrTrailingBytes, packet, n)
	}
	return nil
}

// Decode parses a frame payload into a Packet. Which packets are legal
// depends on the connection's current state.
func Decode(state State, payload []byte) (Packet, error) {
	c := &cursor{buf: payload}
	id, err := c.readVarint("packet id")
	if err != nil {
		return nil, err
	}

	switch {
	case id == 0x00 && state == StateListening:
		if c.remaining() == 0 {
			return StatusRequest{}, nil
		}
		return decodeHandshake(c)
	case id == PktStatusRequest && state == StateStatus:
		if err := c.end("status request"); err != nil {
			return nil, err
		}
		return StatusRequest{}, nil
	case id == PktPingRequest && state == StateStatus:
		v, err := c.readInt64("ping payload")
		if err != nil {
			return nil, err
		}
		if err := c.end("ping request"); err != nil {
			return nil, err
		}
		return PingRequest{Payload: v}, nil
	case id == PktPingRequest || (id == 0x00 && state == StateLogin):
		return nil, fmt.Errorf("%w: packet 0x%02X in %s", ErrWrongState, id, state)
	default:
		return nil, fmt.Errorf("%w: packet 0x%02X in %s", ErrUnsupportedPacket, id, state)
	}
}

// decodeHandshake handles packet 0x00 in the listening state.
// Format: [protocol:varint][address:varint len + utf8][port:u16 BE][next_state:varint]
func decodeHandshake(c *cursor) (Packet, error) {
	version, err := c.readVarint("protocol version")
	if err != nil {
		return nil, err
	}
	address, err := c.readString(MaxAddressLength, "server address")
	if err != nil {
		return nil, err
	}
	port, err := c.readUint16("server port")
	if err != nil {
		return nil, err
	}
	next, err := c.readVarint("next state")
	if err != nil {
		return nil, err
	}

	var state State
	switch next {
	case 1:
		state = StateStatus
	case 2:
		state = StateLogin
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidState, next)
	}

	if err := c.end("handshake"); err != nil {
		return nil, err
	}

	return Handshake{
		ProtocolVersion: version,
		ServerAddress:   address,
		ServerPort:      port,
		NextState:       state,
	}, nil
}
