// Package testutil holds helpers shared by fuzz tests.
package testutil

// ByteStream reads bytes sequentially from a byte slice.
//
// Fuzz tests use it to derive operations deterministically from fuzz input.
// When the stream is exhausted, all reads return zero values, so the same
// input always produces the same sequence of operations.
type ByteStream struct {
	bytes []byte
	pos   int
}

// NewByteStream creates a stream over the given bytes.
func NewByteStream(b []byte) *ByteStream {
	return &ByteStream{bytes: b}
}

// HasMore reports whether unread bytes remain.
func (s *ByteStream) HasMore() bool {
	return s.pos < len(s.bytes)
}

// NextByte returns the next byte, or 0 if exhausted.
func (s *ByteStream) NextByte() byte {
	if s.pos >= len(s.bytes) {
		return 0
	}

	v := s.bytes[s.pos]
	s.pos++

	return v
}

// NextUint32 returns the next four bytes as a little endian uint32.
func (s *ByteStream) NextUint32() uint32 {
	var v uint32
	for i := range 4 {
		v |= uint32(s.NextByte()) << (8 * i)
	}

	return v
}

// NextInt returns a value in [0, maxVal) derived from the next byte.
func (s *ByteStream) NextInt(maxVal int) int {
	if maxVal <= 0 {
		return 0
	}

	return int(s.NextByte()) % maxVal
}

// NextInt64 returns a value in [0, maxVal) derived from the next four bytes.
func (s *ByteStream) NextInt64(maxVal int64) int64 {
	if maxVal <= 0 {
		return 0
	}

	return int64(s.NextUint32()) % maxVal
}

// NextBool returns a boolean derived from the next byte.
func (s *ByteStream) NextBool() bool {
	return s.NextByte()&1 == 1
}
