// Package buffer implements a growable raw-byte buffer with an
// offset/length/capacity model, supporting append-at-tail and trim-at-head
// so payload assembly never copies on read.
package buffer

import "fmt"

// Storage is a growable byte buffer over exclusively owned memory. Valid
// data occupies [offset, offset+length); bytes before offset are logically
// discarded but stay allocated until the next growth or Clear.
//
// Growth is exact-fit: Ensure reallocates to precisely offset+length+n
// bytes, never more. Callers that Ensure repeatedly in small increments pay
// a reallocation each time, in exchange for a predictable footprint.
//
// Calling Append or Trim beyond the available space is a programmer error
// and panics.
type Storage struct {
	buf    []byte // len(buf) is the capacity
	offset int
	length int
}

// New returns a Storage with an initial capacity hint of n bytes.
func New(n int) *Storage {
	s := &Storage{}
	s.Ensure(n)
	return s
}

// Ensure guarantees at least n writable bytes after the current tail,
// reallocating to exactly offset+length+n bytes when needed. Existing
// valid bytes keep their offsets.
func (s *Storage) Ensure(n int) {
	if s.Tail() >= n {
		return
	}
	grown := make([]byte, s.offset+s.length+n)
	copy(grown, s.buf[:s.offset+s.length])
	s.buf = grown
}

// WritableTail returns the free space after the last valid byte. Bytes
// written there become valid once committed with Append.
func (s *Storage) WritableTail() []byte {
	s.check()
	return s.buf[s.offset+s.length:]
}

// Append commits n bytes just written at the tail as valid data. Panics if
// n exceeds Tail(); call Ensure first.
func (s *Storage) Append(n int) {
	if n > s.Tail() {
		panic(fmt.Sprintf("buffer: append %d bytes, only %d writable", n, s.Tail()))
	}
	s.length += n
}

// Trim discards n bytes from the front of the valid region. Panics if n
// exceeds Len().
func (s *Storage) Trim(n int) {
	if n > s.length {
		panic(fmt.Sprintf("buffer: trim %d bytes, only %d valid", n, s.length))
	}
	s.offset += n
	s.length -= n
}

// Data returns the current valid region without allocating. The slice
// aliases the underlying buffer and is invalidated by the next Ensure.
func (s *Storage) Data() []byte {
	return s.buf[s.offset : s.offset+s.length]
}

// Len returns the number of valid unread bytes.
func (s *Storage) Len() int {
	return s.length
}

// Tail returns the bytes of free, already-allocated space after the valid
// region.
func (s *Storage) Tail() int {
	s.check()
	return len(s.buf) - s.offset - s.length
}

// Cap returns the allocated capacity in bytes.
func (s *Storage) Cap() int {
	return len(s.buf)
}

// Clear resets offset and length to zero without shrinking the allocation.
func (s *Storage) Clear() {
	s.offset = 0
	s.length = 0
}

func (s *Storage) check() {
	if s.offset+s.length > len(s.buf) {
		panic(fmt.Sprintf("buffer: offset %d + length %d exceeds capacity %d",
			s.offset, s.length, len(s.buf)))
	}
}
