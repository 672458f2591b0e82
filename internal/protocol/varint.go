package protocol

import (
	"errors"
	"fmt"
	"io"
)

const (
	segmentBits   = 0x7F
	continueBit   = 0x80
	maxVarintLen  = 5
	maxVarlongLen = 10
)

// ReadVarint reads a 32-bit variable-length integer.
// A stream that ends before the first byte returns io.EOF unchanged so
// callers can tell a clean close apart from a malformed value.
func ReadVarint(r io.ByteReader) (int32, error) {
	v, err := readVarN(r, maxVarintLen, 32)
	return int32(uint32(v)), err
}

// ReadVarlong reads a 64-bit variable-length integer (at most 10 bytes).
func ReadVarlong(r io.ByteReader) (int64, error) {
	v, err := readVarN(r, maxVarlongLen, 64)
	return int64(v), err
}

// readVarN decodes at most maxLen bytes. The last byte may only carry the
// bits that still fit in a value of the given width.
func readVarN(r io.ByteReader, maxLen int, width uint) (uint64, error) {
	var (
		value uint64
		shift uint
	)
	for i := 0; ; i++ {
		if i >= maxLen {
			return 0, fmt.Errorf("%w: more than %d bytes", ErrMalformedVarint, maxLen)
		}

		b, err := r.ReadByte()
		if err != nil {
			if i == 0 && errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("%w: stream ended after %d bytes", ErrMalformedVarint, i)
			}
			return 0, fmt.Errorf("%w: %w", ErrIOFailure, err)
		}

		if i == maxLen-1 {
			overflow := byte(segmentBits) &^ byte(1<<(width-shift)-1)
			if b&overflow != 0 {
				return 0, fmt.Errorf("%w: value overflows %d bits", ErrMalformedVarint, width)
			}
		}
		value |= uint64(b&segmentBits) << shift
		if b&continueBit == 0 {
			return value, nil
		}
		shift += 7
	}
}

// WriteVarint writes value using the minimum number of bytes and returns
// how many were written. Negative values are never produced by this
// protocol and are rejected.
func WriteVarint(w io.Writer, value int64) (int, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeVarint, value)
	}
	var buf [maxVarlongLen]byte
	n, err := w.Write(AppendVarint(buf[:0], value))
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return n, nil
}

// AppendVarint appends the encoding of a non-negative value to dst.
func AppendVarint(dst []byte, value int64) []byte {
	v := uint64(value)
	for v >= continueBit {
		dst = append(dst, byte(v&segmentBits)|continueBit)
		v >>= 7
	}
	return append(dst, byte(v))
}

// VarintSize returns the encoded length of a non-negative value.
func VarintSize(value int64) int {
	v := uint64(value)
	n := 1
	for v >= continueBit {
		v >>= 7
		n++
	}
	return n
}
