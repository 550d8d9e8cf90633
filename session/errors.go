package session

import (
	"errors"

	"github.com/opd-ai/lanewire/frag"
)

// ErrUnknownLane indicates a send on a lane index that was never
// configured.
var ErrUnknownLane = errors.New("unknown lane index")

// ErrMessageTooLarge indicates a payload that would need more fragments
// than a single message may carry.
var ErrMessageTooLarge = frag.ErrMessageTooLarge

// ErrMalformedPacket indicates packet bytes that could not be decoded:
// truncated headers, a payload length past the end of the buffer, or an
// unknown lane index. The packet is discarded with no state change.
var ErrMalformedPacket = errors.New("malformed packet")

// ErrMemoryBudgetExceeded indicates the session's combined reassembly and
// unacknowledged-send memory crossed the configured budget. It is fatal:
// the caller must discard the session.
var ErrMemoryBudgetExceeded = errors.New("memory budget exceeded")

// ErrTerminated indicates an operation on a session that already failed
// fatally.
var ErrTerminated = errors.New("session terminated")

// ErrMTUTooSmall indicates a SetMTU below the configured minimum MTU the
// fragment size was derived from.
var ErrMTUTooSmall = errors.New("mtu below configured minimum")
