package protocol

import "errors"

// Protocol-layer errors. Each one closes only the connection it occurred on.
var (
	ErrMalformedVarint   = errors.New("malformed varint")
	ErrNegativeVarint    = errors.New("negative varint")
	ErrTruncatedFrame    = errors.New("truncated frame")
	ErrFrameTooLarge     = errors.New("frame too large")
	ErrTrailingBytes     = errors.New("trailing bytes after packet")
	ErrInvalidState      = errors.New("invalid next state")
	ErrInvalidString     = errors.New("invalid string field")
	ErrWrongState        = errors.New("packet not allowed in current state")
	ErrUnsupportedPacket = errors.New("unsupported packet")
)

// Transport-layer errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrIOFailure        = errors.New("i/o failure")
)

// IsProtocolError reports whether err came from a client speaking the
// protocol incorrectly, as opposed to a transport failure.
func IsProtocolError(err error) bool {
	for _, target := range []error{
		ErrMalformedVarint, ErrTruncatedFrame, ErrFrameTooLarge, ErrTrailingBytes,
		ErrInvalidState, ErrInvalidString, ErrWrongState, ErrUnsupportedPacket,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
