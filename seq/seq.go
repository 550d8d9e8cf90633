// Package seq implements wrapping 16-bit sequence number arithmetic.
//
// Sequence numbers identify messages and packets on the wire. They are
// stored as uint16 and wrap around quickly under load, so they must never
// be compared with plain integer operators; a packet sent just after the
// wrap boundary would otherwise look older than everything before it.
// Precedes and Distance perform the comparison in modular arithmetic and
// are used by every component that handles sequence numbers.
package seq

// Seq is a wrapping 16-bit sequence number.
type Seq uint16

// Next returns the current value and advances s by one, wrapping at 65535.
func (s *Seq) Next() Seq {
	cur := *s
	*s++
	return cur
}

// Precedes reports whether a is logically earlier than b under 16-bit
// wraparound, so Precedes(65535, 0) is true. The comparison uses the sign
// of b-a as a two's-complement 16-bit subtraction; if the real difference
// between the two values is 32768 or more, no ordering is guaranteed.
func Precedes(a, b Seq) bool {
	return int16(a-b) < 0
}

// Distance returns the signed modular distance from a to b: positive if b
// is ahead of a, negative if b is behind.
func Distance(a, b Seq) int32 {
	return int32(int16(b - a))
}
