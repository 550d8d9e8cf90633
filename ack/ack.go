// Package ack encodes and decodes the packet-level acknowledgement header.
//
// Every outgoing packet carries the highest packet sequence received from
// the peer plus a fixed-width bitfield of the packets before it: bit i set
// means packet (last_received - i) arrived. Receipt of the last_received
// sequence itself is bit 0, so a header with no bits set acknowledges
// nothing; that is the state before any packet has arrived. Because each
// packet repeats the most recent HistoryBits acknowledgements, individual
// ack losses are harmless.
package ack

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/lanewire/seq"
)

// HistoryBits is the width of the acknowledgement bitfield. It bounds how
// far behind the newest received packet an ack can reach: a packet
// reordered or delayed by more than HistoryBits packets can no longer be
// acknowledged and will be retransmitted by a reliable sender.
const HistoryBits = 32

// HeaderLen is the encoded size of the header: last received sequence plus
// the bitfield.
const HeaderLen = 2 + 4

// ErrTruncated indicates a buffer too short to hold an ack header.
var ErrTruncated = errors.New("truncated ack header")

// Header tracks which of the peer's packets this side has received, and is
// the decoded form of the ack header on incoming packets.
type Header struct {
	// LastReceived is the highest packet sequence received from the peer.
	LastReceived seq.Seq
	// Bits marks receipt of the HistoryBits packets at and before
	// LastReceived; bit i covers LastReceived-i.
	Bits uint32
}

// Ack records receipt of a packet sequence. Sequences newer than
// LastReceived advance it and shift the bitfield; sequences older than the
// bitfield's reach are ignored.
func (h *Header) Ack(s seq.Seq) {
	d := seq.Distance(h.LastReceived, s)
	switch {
	case d > 0:
		// s becomes the newest received packet; everything previously
		// tracked slides d places down the bitfield.
		h.LastReceived = s
		if d >= HistoryBits {
			h.Bits = 0
		} else {
			h.Bits <<= uint(d)
		}
		h.Bits |= 1
	case -d < HistoryBits:
		h.Bits |= 1 << uint(-d)
	}
}

// Seqs returns every packet sequence the header acknowledges, newest
// first.
func (h Header) Seqs() []seq.Seq {
	out := make([]seq.Seq, 0, HistoryBits)
	for i := 0; i < HistoryBits; i++ {
		if h.Bits&(1<<uint(i)) != 0 {
			out = append(out, h.LastReceived-seq.Seq(i))
		}
	}
	return out
}

// Covers reports whether the header acknowledges the given sequence.
func (h Header) Covers(s seq.Seq) bool {
	d := seq.Distance(s, h.LastReceived)
	if d < 0 || d >= HistoryBits {
		return false
	}
	return h.Bits&(1<<uint(d)) != 0
}

// Append encodes the header and appends it to dst.
func (h Header) Append(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(h.LastReceived))
	return binary.BigEndian.AppendUint32(dst, h.Bits)
}

// Decode parses a header from the front of data.
func Decode(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	return Header{
		LastReceived: seq.Seq(binary.BigEndian.Uint16(data)),
		Bits:         binary.BigEndian.Uint32(data[2:]),
	}, nil
}
