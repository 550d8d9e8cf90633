package frag

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire layout of one fragment:
//
//	lane_index   uvarint
//	message_seq  u16, big-endian
//	marker       u8: bit 7 terminal flag, bits 0..6 fragment index
//	payload_len  uvarint
//	payload      payload_len bytes

// HeaderMaxLen is the worst-case encoded size of a fragment header: a
// 5-byte lane varint, the 2-byte message sequence, the marker byte, and a
// 5-byte payload length varint.
const HeaderMaxLen = 5 + 2 + 1 + 5

// ErrTruncated indicates fragment bytes that end before their header or
// declared payload length is satisfied.
var ErrTruncated = errors.New("truncated fragment")

// ErrLaneRange indicates a wire lane index too large to be a configured
// lane.
var ErrLaneRange = errors.New("lane index out of range")

// EncodedLen returns the exact encoded size of the fragment.
func (f *Fragment) EncodedLen() int {
	return uvarintLen(uint64(f.Lane)) + 2 + 1 + uvarintLen(uint64(len(f.Payload))) + len(f.Payload)
}

// Append encodes the fragment and appends it to dst.
func (f *Fragment) Append(dst []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(f.Lane))
	dst = binary.BigEndian.AppendUint16(dst, f.MessageSeq)
	marker := f.Index & indexMask
	if f.Terminal {
		marker |= terminalFlag
	}
	dst = append(dst, marker)
	dst = binary.AppendUvarint(dst, uint64(len(f.Payload)))
	return append(dst, f.Payload...)
}

// Decode parses one fragment from the front of data, returning the number
// of bytes consumed. The fragment's payload aliases data. A payload length
// that exceeds the remaining buffer is reported as truncation, never read
// past the slice.
func Decode(data []byte) (Fragment, int, error) {
	var f Fragment

	laneIdx, n := binary.Uvarint(data)
	if n <= 0 {
		return f, 0, fmt.Errorf("%w: lane index", ErrTruncated)
	}
	if laneIdx > 1<<20 {
		return f, 0, fmt.Errorf("%w: %d", ErrLaneRange, laneIdx)
	}
	off := n

	if len(data)-off < 3 {
		return f, 0, fmt.Errorf("%w: header", ErrTruncated)
	}
	f.Lane = int(laneIdx)
	f.MessageSeq = binary.BigEndian.Uint16(data[off:])
	off += 2
	marker := data[off]
	off++
	f.Index = marker & indexMask
	f.Terminal = marker&terminalFlag != 0

	payloadLen, n := binary.Uvarint(data[off:])
	if n <= 0 {
		return f, 0, fmt.Errorf("%w: payload length", ErrTruncated)
	}
	off += n
	if payloadLen > uint64(len(data)-off) {
		return f, 0, fmt.Errorf("%w: payload declares %d bytes, %d remain",
			ErrTruncated, payloadLen, len(data)-off)
	}
	f.Payload = data[off : off+int(payloadLen)]
	off += int(payloadLen)

	return f, off, nil
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
