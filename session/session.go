// Package session implements the transport protocol engine: message
// fragmentation across delivery-guarantee lanes, packet-level
// acknowledgements, retransmission, RTT and loss estimation, and a memory
// guard against hostile peers.
//
// The engine performs no I/O. Flush produces ready-to-transmit packet
// buffers, Recv consumes packet buffers the link delivered, and Update
// advances the clock and surfaces completed messages. Behavior is fully
// deterministic given the sequence of calls: the session holds no internal
// threads and never blocks.
//
// A Session must be driven from a single goroutine, or guarded externally;
// it is intended to be owned by exactly one execution context.
//
// Example:
//
//	cfg := session.DefaultConfig()
//	cfg.Lanes = []lane.Config{{Index: 0, Kind: lane.ReliableOrdered}}
//	s, err := session.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	s.Send(0, payload)
//	for _, pkt := range s.Flush() {
//	    link.Write(pkt)
//	}
package session

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanewire/ack"
	"github.com/opd-ai/lanewire/frag"
	"github.com/opd-ai/lanewire/lane"
	"github.com/opd-ai/lanewire/seq"
	"github.com/opd-ai/lanewire/stats"
)

// Message is a completed, in-policy message surfaced by Update.
type Message struct {
	// Lane is the index of the lane the message arrived on.
	Lane int
	// Seq is the message's per-lane sequence number.
	Seq seq.Seq
	// Payload is the reassembled message payload.
	Payload []byte
}

// MessageHandle identifies a message accepted by Send.
type MessageHandle struct {
	Lane int
	Seq  seq.Seq
}

// Stats is a read-only snapshot of a session's statistics.
type Stats struct {
	SmoothedRTT time.Duration
	RTTVariance time.Duration
	LossRatio   float64

	PacketsSent     uint64
	PacketsReceived uint64
	PacketsAcked    uint64
	PacketsLost     uint64
	Retransmits     uint64

	MessagesSent      uint64
	MessagesDelivered uint64

	BytesInFlight       int
	ReassemblyBytes     int
	PendingReassemblies int
}

// Session is one endpoint of the protocol. See the package documentation.
type Session struct {
	cfg      Config
	registry *lane.Registry

	fragmenter  *frag.Fragmenter
	reassembler *frag.Reassembler
	estimator   *stats.Estimator

	mtu int
	now time.Time

	nextPacketSeq seq.Seq
	acks          ack.Header
	acksDirty     bool

	sendLanes map[int]*sendLane
	recvLanes map[int]*recvLane
	flushed   map[seq.Seq]*packetRecord

	ready    []Message
	outBytes int

	fatal error

	packetsSent     uint64
	packetsReceived uint64
	packetsAcked    uint64
	packetsLost     uint64
	retransmits     uint64
	messagesSent    uint64
	messagesOut     uint64
}

// New creates a session from a validated or freshly-built configuration.
func New(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	registry, err := lane.NewRegistry(cfg.Lanes)
	if err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	payloadSize := FragmentPayloadSize(cfg.MinMTU)
	s := &Session{
		cfg:         cfg,
		registry:    registry,
		fragmenter:  frag.NewFragmenter(payloadSize),
		reassembler: frag.NewReassembler(payloadSize),
		estimator: stats.NewEstimator(
			cfg.RetransmissionTimeoutDefault.Std(),
			cfg.RetransmissionTimeoutFactor,
		),
		mtu:       cfg.InitialMTU,
		sendLanes: make(map[int]*sendLane),
		recvLanes: make(map[int]*recvLane),
		flushed:   make(map[seq.Seq]*packetRecord),
	}
	for _, idx := range registry.Indices() {
		kind, _ := registry.Kind(idx)
		s.sendLanes[idx] = &sendLane{kind: kind, msgs: make(map[seq.Seq]*sentMessage)}
		s.recvLanes[idx] = &recvLane{kind: kind, pending: make(map[seq.Seq][]byte)}
	}
	return s, nil
}

// FragmentPayloadSize returns the fixed per-fragment payload size this
// session fragments messages into.
func (s *Session) FragmentPayloadSize() int {
	return s.fragmenter.PayloadSize()
}

// Send queues a message for transmission on a lane. The payload is copied;
// the caller keeps ownership of its slice. Returns ErrUnknownLane for an
// unconfigured lane index and ErrMessageTooLarge for a payload needing
// more than frag.MaxFragments fragments.
func (s *Session) Send(laneIndex int, payload []byte) (MessageHandle, error) {
	if s.fatal != nil {
		return MessageHandle{}, fmt.Errorf("%w: %w", ErrTerminated, s.fatal)
	}
	sl, ok := s.sendLanes[laneIndex]
	if !ok {
		return MessageHandle{}, fmt.Errorf("%w: %d", ErrUnknownLane, laneIndex)
	}

	owned := append([]byte(nil), payload...)
	msgSeq := sl.nextSeq
	frags, err := s.fragmenter.Split(laneIndex, uint16(msgSeq), owned)
	if err != nil {
		return MessageHandle{}, err
	}
	sl.nextSeq.Next()

	msg := &sentMessage{frags: make([]*outFragment, len(frags))}
	for _, fr := range frags {
		msg.frags[fr.Index] = &outFragment{frag: fr}
	}
	msg.unsent = len(frags)
	msg.unacked = len(frags)
	sl.msgs[msgSeq] = msg

	if sl.kind.Reliable() {
		s.outBytes += len(owned)
	}
	s.messagesSent++

	logrus.WithFields(logrus.Fields{
		"lane":      laneIndex,
		"msg_seq":   uint16(msgSeq),
		"bytes":     len(owned),
		"fragments": len(frags),
	}).Debug("message queued")

	return MessageHandle{Lane: laneIndex, Seq: msgSeq}, nil
}

// SetMTU adjusts the packet size ceiling used by future Flush calls. The
// fragment payload size derived from the configured minimum MTU is
// unaffected. An MTU below the configured minimum is rejected.
func (s *Session) SetMTU(mtu int) error {
	if mtu < s.cfg.MinMTU {
		return fmt.Errorf("%w: %d < %d", ErrMTUTooSmall, mtu, s.cfg.MinMTU)
	}
	s.mtu = mtu
	return nil
}

// MTU returns the current packet size ceiling.
func (s *Session) MTU() int {
	return s.mtu
}

// Stats returns a snapshot of the session's statistics.
func (s *Session) Stats() Stats {
	return Stats{
		SmoothedRTT:         s.estimator.SmoothedRTT(),
		RTTVariance:         s.estimator.RTTVar(),
		LossRatio:           s.estimator.LossRatio(),
		PacketsSent:         s.packetsSent,
		PacketsReceived:     s.packetsReceived,
		PacketsAcked:        s.packetsAcked,
		PacketsLost:         s.packetsLost,
		Retransmits:         s.retransmits,
		MessagesSent:        s.messagesSent,
		MessagesDelivered:   s.messagesOut,
		BytesInFlight:       s.outBytes,
		ReassemblyBytes:     s.reassembler.Bytes(),
		PendingReassemblies: s.reassembler.Pending(),
	}
}
