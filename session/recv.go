package session

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanewire/ack"
	"github.com/opd-ai/lanewire/frag"
	"github.com/opd-ai/lanewire/lane"
	"github.com/opd-ai/lanewire/seq"
)

// Recv decodes one packet received from the link and applies it: the
// acknowledgement header resolves outstanding fragments and feeds the RTT
// estimator, and the packet's fragments advance reassembly. Completed
// messages are surfaced by the next Update, in lane-policy order.
//
// Malformed packets return ErrMalformedPacket and are discarded without
// any state change; Recv never panics on hostile input.
func (s *Session) Recv(packet []byte) error {
	if s.fatal != nil {
		return fmt.Errorf("%w: %w", ErrTerminated, s.fatal)
	}

	pseq, hdr, frags, err := s.parsePacket(packet)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"bytes": len(packet),
			"error": err,
		}).Debug("malformed packet dropped")
		return fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}

	s.packetsReceived++
	s.acks.Ack(pseq)
	// Ack-only packets are not themselves acknowledged, otherwise two
	// quiet peers would trade acks of acks forever.
	if len(frags) > 0 {
		s.acksDirty = true
	}

	s.applyAcks(hdr)
	for _, fr := range frags {
		s.acceptFragment(fr)
	}
	return nil
}

// parsePacket validates the entire packet before anything is applied, so
// a packet that turns out truncated halfway through cannot leave partial
// state behind.
func (s *Session) parsePacket(packet []byte) (seq.Seq, ack.Header, []frag.Fragment, error) {
	if len(packet) < packetHeaderLen {
		return 0, ack.Header{}, nil, fmt.Errorf("packet header: %w", frag.ErrTruncated)
	}
	pseq := seq.Seq(binary.BigEndian.Uint16(packet))
	hdr, err := ack.Decode(packet[2:])
	if err != nil {
		return 0, ack.Header{}, nil, err
	}

	var frags []frag.Fragment
	rest := packet[packetHeaderLen:]
	for len(rest) > 0 {
		fr, n, err := frag.Decode(rest)
		if err != nil {
			return 0, ack.Header{}, nil, err
		}
		rest = rest[n:]

		if _, ok := s.registry.Kind(fr.Lane); !ok {
			return 0, ack.Header{}, nil, fmt.Errorf("%w: %d", ErrUnknownLane, fr.Lane)
		}
		if err := s.checkFragmentSize(fr); err != nil {
			return 0, ack.Header{}, nil, err
		}
		frags = append(frags, fr)
	}
	return pseq, hdr, frags, nil
}

// checkFragmentSize rejects fragments whose payload size is impossible for
// a conforming sender, before any of the packet is applied.
func (s *Session) checkFragmentSize(fr frag.Fragment) error {
	size := s.fragmenter.PayloadSize()
	if fr.Terminal {
		if len(fr.Payload) > size {
			return fmt.Errorf("%w: terminal fragment of %d bytes", frag.ErrPayloadSize, len(fr.Payload))
		}
		return nil
	}
	if len(fr.Payload) != size {
		return fmt.Errorf("%w: fragment of %d bytes, want %d", frag.ErrPayloadSize, len(fr.Payload), size)
	}
	return nil
}

// applyAcks resolves every packet sequence the header acknowledges back to
// the fragments that packet carried. Unknown sequences are ignored: they
// are stale, already resolved, or fabricated, and none of those matter.
func (s *Session) applyAcks(hdr ack.Header) {
	for _, pseq := range hdr.Seqs() {
		rec, ok := s.flushed[pseq]
		if !ok {
			continue
		}
		delete(s.flushed, pseq)
		s.packetsAcked++
		s.estimator.ObserveRTT(s.now.Sub(rec.sentAt))
		s.estimator.ObserveOutcome(false)

		for _, ref := range rec.refs {
			s.ackFragment(ref)
		}
	}
}

// ackFragment marks one fragment acknowledged. Acknowledgement of any
// packet that carried the fragment satisfies it, regardless of which
// transmission actually arrived.
func (s *Session) ackFragment(ref fragRef) {
	sl, ok := s.sendLanes[ref.lane]
	if !ok {
		return
	}
	msg, ok := sl.msgs[ref.msgSeq]
	if !ok {
		return // message already fully acknowledged or retired
	}
	of := msg.frags[ref.index]
	if of.acked {
		return
	}
	of.acked = true
	msg.unacked--
	if sl.kind.Reliable() {
		s.outBytes -= len(of.frag.Payload)
	}
	if msg.unacked == 0 {
		delete(sl.msgs, ref.msgSeq)
		logrus.WithFields(logrus.Fields{
			"lane":    ref.lane,
			"msg_seq": uint16(ref.msgSeq),
		}).Debug("message fully acknowledged")
	}
}

// acceptFragment advances reassembly with one fragment and routes any
// completed message through its lane's delivery policy.
func (s *Session) acceptFragment(fr frag.Fragment) {
	rl := s.recvLanes[fr.Lane]
	if rl.supersedes(seq.Seq(fr.MessageSeq)) {
		return // older than what the sequenced lane already delivered
	}

	payload, err := s.reassembler.Accept(fr, s.now)
	if err != nil {
		// Cross-packet inconsistency: the fragment contradicts buffered
		// state. The packet itself was well-formed, so this is dropped
		// like any other stale reference.
		logrus.WithFields(logrus.Fields{
			"lane":    fr.Lane,
			"msg_seq": fr.MessageSeq,
			"error":   err,
		}).Debug("fragment dropped")
		return
	}
	if payload == nil {
		return
	}

	msgSeq := seq.Seq(fr.MessageSeq)
	delivered := rl.deliver(fr.Lane, msgSeq, payload)
	s.ready = append(s.ready, delivered...)

	if rl.kind == lane.UnreliableSequenced && len(delivered) > 0 {
		s.reassembler.DiscardSuperseded(fr.Lane, fr.MessageSeq)
	}
}
