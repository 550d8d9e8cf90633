package session

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanewire/seq"
)

// Flush forms due fragments into packets and returns the encoded packets
// for the link to transmit, each no larger than the current MTU. Due means
// never sent, or reliable and unacknowledged past the retransmission
// timeout; a reliable lane transmits at most sendWindowSize message
// sequences ahead of its oldest outstanding message, holding the rest in
// queue. Every packet carries the current acknowledgement header; if no
// fragment is due but received packets have not been acknowledged yet, a
// single ack-only packet is emitted. Flush never blocks.
func (s *Session) Flush() [][]byte {
	if s.fatal != nil {
		return nil
	}

	due := s.collectDue()
	var packets [][]byte

	for len(due) > 0 {
		pkt, refs, used := s.buildPacket(due)
		due = due[used:]
		packets = append(packets, pkt)
		s.finishPacket(refs)
	}

	if len(packets) == 0 && s.acksDirty {
		pkt, _, _ := s.buildPacket(nil)
		packets = append(packets, pkt)
		s.finishPacket(nil)
	}
	return packets
}

// collectDue gathers every fragment due for (re)transmission, walking
// lanes by index and messages in send order, with each message's
// fragments in descending index order so the terminal fragment leads.
func (s *Session) collectDue() []*outFragment {
	rto := s.estimator.RetransmissionTimeout()

	laneIdxs := make([]int, 0, len(s.sendLanes))
	for idx := range s.sendLanes {
		laneIdxs = append(laneIdxs, idx)
	}
	sort.Ints(laneIdxs)

	var due []*outFragment
	for _, idx := range laneIdxs {
		sl := s.sendLanes[idx]
		seqs := sl.orderedSeqs()
		if len(seqs) == 0 {
			continue
		}
		oldest := seqs[0]
		for _, ms := range seqs {
			// Reliable lanes transmit only within the send window off
			// the oldest outstanding message; the rest wait their turn.
			if sl.kind.Reliable() && uint16(ms-oldest) >= sendWindowSize {
				break
			}
			msg := sl.msgs[ms]
			for i := len(msg.frags) - 1; i >= 0; i-- {
				if msg.frags[i].due(s.now, rto) {
					due = append(due, msg.frags[i])
				}
			}
		}
	}
	return due
}

// buildPacket encodes the packet header and as many of the due fragments
// as fit under the MTU, returning the packet bytes, the references to the
// fragments it carries, and how many fragments were consumed.
func (s *Session) buildPacket(due []*outFragment) (pkt []byte, refs []fragRef, used int) {
	buf := make([]byte, 0, s.mtu)
	buf = append(buf, byte(s.nextPacketSeq>>8), byte(s.nextPacketSeq))
	buf = s.acks.Append(buf)

	for _, of := range due {
		if len(buf)+of.frag.EncodedLen() > s.mtu {
			break
		}
		buf = of.frag.Append(buf)
		refs = append(refs, fragRef{
			lane:   of.frag.Lane,
			msgSeq: seq.Seq(of.frag.MessageSeq),
			index:  of.frag.Index,
		})
		if of.sent {
			s.retransmits++
			logrus.WithFields(logrus.Fields{
				"lane":     of.frag.Lane,
				"msg_seq":  of.frag.MessageSeq,
				"fragment": of.frag.Index,
			}).Debug("fragment retransmitted")
		}
		of.sent = true
		of.lastSentAt = s.now
		used++
	}
	return buf, refs, used
}

// finishPacket assigns the packet its sequence, records what it carried,
// and retires unreliable fragments, which are only ever sent once.
func (s *Session) finishPacket(refs []fragRef) {
	pseq := s.nextPacketSeq.Next()
	if len(refs) > 0 {
		s.flushed[pseq] = &packetRecord{sentAt: s.now, refs: refs}
	}
	s.packetsSent++
	s.acksDirty = false

	for _, ref := range refs {
		sl := s.sendLanes[ref.lane]
		if sl.kind.Reliable() {
			continue
		}
		msg, ok := sl.msgs[ref.msgSeq]
		if !ok {
			continue
		}
		msg.unsent--
		if msg.unsent == 0 {
			delete(sl.msgs, ref.msgSeq)
		}
	}
}
