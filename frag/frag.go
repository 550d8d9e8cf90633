// Package frag splits outgoing message payloads into size-bounded fragments
// and reassembles incoming fragments into complete message payloads.
//
// A message of length L with fragment payload size F decomposes into
// ceil(L/F) fragments. Every fragment except the terminal one carries
// exactly F bytes; the terminal fragment carries the remainder and is
// marked with a flag bit so the receiver can learn the message's extent
// from it. Fragments are produced in descending index order, terminal
// fragment first: a receiver seeing the first fragment of an unseen message
// can then size its reassembly buffer correctly in one allocation in the
// common in-order case.
//
// Example:
//
//	f := frag.NewFragmenter(1100)
//	frags, err := f.Split(0, 5, payload)
//	if err != nil {
//	    // payload needs more than frag.MaxFragments fragments
//	}
package frag

import (
	"errors"
	"fmt"
)

// MaxFragments is the most fragments a single message may decompose into.
// The wire marker byte reserves its high bit for the terminal-fragment
// flag, leaving 7 bits of fragment index.
const MaxFragments = 128

// terminalFlag marks the fragment with the highest index of its message.
const terminalFlag = 0x80

// indexMask extracts the fragment index from a marker byte.
const indexMask = 0x7f

// ErrMessageTooLarge indicates a payload that would need more than
// MaxFragments fragments at the configured fragment payload size.
var ErrMessageTooLarge = errors.New("message too large to fragment")

// Fragment is one piece of a message, the unit placed into packets.
type Fragment struct {
	// Lane is the index of the lane the owning message was sent on.
	Lane int
	// MessageSeq is the per-lane sequence number of the owning message.
	MessageSeq uint16
	// Index is the fragment's position, counted from the start of the
	// message payload. Fragment i covers payload bytes [i*F, (i+1)*F).
	Index uint8
	// Terminal marks the fragment with the highest index of the message.
	Terminal bool
	// Payload is the fragment's slice of the message payload. Exactly F
	// bytes for non-terminal fragments, at most F for the terminal one.
	Payload []byte
}

// Fragmenter splits message payloads into fragments of a fixed payload
// size. The payload size is derived from the session's minimum guaranteed
// packet size and never changes, even if the packet MTU is raised later.
type Fragmenter struct {
	payloadSize int
}

// NewFragmenter creates a fragmenter producing fragments with at most
// payloadSize bytes of payload each. payloadSize must be positive.
func NewFragmenter(payloadSize int) *Fragmenter {
	if payloadSize <= 0 {
		panic("frag: payload size must be positive")
	}
	return &Fragmenter{payloadSize: payloadSize}
}

// PayloadSize returns the fixed per-fragment payload size.
func (f *Fragmenter) PayloadSize() int {
	return f.payloadSize
}

// NumFragments returns how many fragments a payload of the given length
// decomposes into. An empty payload still takes one (terminal) fragment.
func (f *Fragmenter) NumFragments(payloadLen int) int {
	if payloadLen == 0 {
		return 1
	}
	return (payloadLen + f.payloadSize - 1) / f.payloadSize
}

// Split decomposes payload into fragments for the given lane and message
// sequence, in descending index order (terminal fragment first). The
// returned fragments alias payload; the caller must not mutate it while
// they are in flight.
func (f *Fragmenter) Split(laneIndex int, msgSeq uint16, payload []byte) ([]Fragment, error) {
	n := f.NumFragments(len(payload))
	if n > MaxFragments {
		return nil, fmt.Errorf("%w: %d bytes need %d fragments, limit %d",
			ErrMessageTooLarge, len(payload), n, MaxFragments)
	}

	frags := make([]Fragment, 0, n)
	for i := n - 1; i >= 0; i-- {
		start := i * f.payloadSize
		end := start + f.payloadSize
		if end > len(payload) {
			end = len(payload)
		}
		frags = append(frags, Fragment{
			Lane:       laneIndex,
			MessageSeq: msgSeq,
			Index:      uint8(i),
			Terminal:   i == n-1,
			Payload:    payload[start:end],
		})
	}
	return frags, nil
}
