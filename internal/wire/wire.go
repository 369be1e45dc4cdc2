// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package wire provides the binary encoding helpers used to frame bus
// messages.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
)

// A Builder accumulates the encoded fields of a message. The zero value is
// ready for use as an empty builder.
type Builder struct {
	buf []byte
}

// Byte appends a single byte to b.
func (b *Builder) Byte(v byte) { b.buf = append(b.buf, v) }

// Bool appends a Boolean to b as a single byte with value 0 or 1.
func (b *Builder) Bool(ok bool) { b.Byte(value.Cond[byte](ok, 1, 0)) }

// Uint32 appends v to b in big-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Vint30 appends a [Vint30] value to b.
func (b *Builder) Vint30(v uint32) { b.buf = Vint30(v).Append(b.buf) }

// String appends a length-prefixed string to b. The length is a [Vint30].
func (b *Builder) String(s string) {
	b.grow(VLen(len(s)))
	b.Vint30(uint32(len(s)))
	b.buf = append(b.buf, s...)
}

// Bytes appends a length-prefixed byte slice to b. The length is a [Vint30].
func (b *Builder) Bytes(vs []byte) {
	b.grow(VLen(len(vs)))
	b.Vint30(uint32(len(vs)))
	b.buf = append(b.buf, vs...)
}

// Strings appends a count-prefixed sequence of length-prefixed strings.
func (b *Builder) Strings(ss []string) {
	b.Vint30(uint32(len(ss)))
	for _, s := range ss {
		b.String(s)
	}
}

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Data reports the current contents of the buffer. The builder retains
// ownership of the slice.
func (b *Builder) Data() []byte { return b.buf }

// Reset discards the contents of b and leaves it empty.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

func (b *Builder) grow(n int) {
	want := len(b.buf) + n
	if cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner reads encoded values from the front of its input.  The methods of
// a scanner return [io.EOF] when no further input is available, and
// [io.ErrUnexpectedEOF] for incomplete values.
type Scanner struct {
	rest   []byte
	offset int
}

// NewScanner constructs a [Scanner] that consumes data from input. The
// scanner retains slices into input, which must not be modified while the
// scanner is in use.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

// Byte scans a single byte.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	out := s.rest[0]
	s.advance(1)
	return out, nil
}

// Bool scans a single byte as a Boolean (0 is false, anything else true).
func (s *Scanner) Bool() (bool, error) {
	b, err := s.Byte()
	return b != 0, err
}

// Uint32 scans a big-endian uint32 value.
func (s *Scanner) Uint32() (uint32, error) {
	if len(s.rest) < 4 {
		return 0, fmt.Errorf("value truncated (%d < 4 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	out := binary.BigEndian.Uint32(s.rest)
	s.advance(4)
	return out, nil
}

// Vint30 scans a single [Vint30] value.
func (s *Scanner) Vint30() (int, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	nb := int(s.rest[0]%4) + 1
	if len(s.rest) < nb {
		return 0, io.ErrUnexpectedEOF
	}
	var w uint32
	for i := nb - 1; i >= 0; i-- {
		w = (w * 256) + uint32(s.rest[i])
	}
	s.advance(nb)
	return int(w >> 2), nil
}

// String scans a length-prefixed string.
func (s *Scanner) String() (string, error) { return VGet[string](s) }

// Bytes scans a length-prefixed byte slice. The result is a copy.
func (s *Scanner) Bytes() ([]byte, error) {
	v, err := VGet[[]byte](s)
	if err != nil || len(v) == 0 {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

// Strings scans a count-prefixed sequence of strings.
func (s *Scanner) Strings() ([]string, error) {
	n, err := s.Vint30()
	if err != nil {
		return nil, err
	} else if n > len(s.rest) {
		return nil, fmt.Errorf("string count %d exceeds input: %w", n, io.ErrUnexpectedEOF)
	}
	var out []string
	for range n {
		v, err := s.String()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Len reports the number of unconsumed input bytes.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset of the next unconsumed input byte.
func (s *Scanner) Offset() int { return s.offset }

// Rest returns the unconsumed input. The caller must not modify it.
func (s *Scanner) Rest() []byte { return s.rest }

func (s *Scanner) advance(n int) { s.offset += n; s.rest = s.rest[n:] }

// VGet scans a single length-prefixed string from the head of s.  When the
// result is a slice it aliases the input.
func VGet[Str ~string | ~[]byte](s *Scanner) (out Str, err error) {
	nb, err := s.Vint30()
	if err != nil {
		return out, err
	}
	if len(s.rest) < nb {
		return out, fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), nb, io.ErrUnexpectedEOF)
	}
	out = Str(s.rest[:nb])
	s.advance(nb)
	return out, nil
}

// VLen reports the encoded size in bytes of an n-byte string with a [Vint30]
// length prefix.
func VLen(n int) int { return Vint30(n).Size() + n }

// Vint30 is an unsigned 30-bit integer with a self-framing encoding of 1 to 4
// bytes. The value is stored little-endian, shifted left two bits, and the low
// two bits of the first byte record the number of additional bytes.
//
//   - Values v < 64 are encoded as 1 byte.
//   - Values 64 ≤ v < 16384 are encoded as 2 bytes.
//   - Values 16384 ≤ v < 4194304 are encoded as 3 bytes.
//   - Values 4194304 ≤ v < 1073741824 are encoded as 4 bytes.
type Vint30 uint32

// MaxVint30 is the maximum value that can be encoded by a Vint30.
const MaxVint30 = 1<<30 - 1

// Size reports the number of bytes required to encode v, or -1 if v is too
// large to be encoded.
func (v Vint30) Size() int {
	switch {
	case v < (1 << 6):
		return 1
	case v < (1 << 14):
		return 2
	case v < (1 << 22):
		return 3
	case v < (1 << 30):
		return 4
	default:
		return -1
	}
}

// Append appends the encoding of v to buf. It panics if v is out of range.
func (v Vint30) Append(buf []byte) []byte {
	s := v.Size()
	if s < 0 {
		panic("value out of range")
	}
	w := uint32(v)*4 + uint32(s-1)
	for range s {
		buf = append(buf, byte(w%256))
		w /= 256
	}
	return buf
}
