package session

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanewire/frag"
	"github.com/opd-ai/lanewire/lane"
	"github.com/opd-ai/lanewire/seq"
)

// sendWindowSize bounds how many message sequences a reliable lane may
// have in flight at once. Messages beyond the window stay queued until the
// oldest outstanding message is acknowledged. It must stay below the
// receiver's completed-message window (frag's done window), otherwise a
// retransmission of the oldest outstanding message could be mistaken for a
// stale duplicate and dropped forever.
const sendWindowSize = 1024

// sendLane is the per-lane outgoing tracker: it assigns message sequence
// numbers and retains fragments until sent (unreliable) or acknowledged
// (reliable).
type sendLane struct {
	kind    lane.Kind
	nextSeq seq.Seq
	msgs    map[seq.Seq]*sentMessage
}

type sentMessage struct {
	frags   []*outFragment // indexed by fragment index
	unsent  int
	unacked int
}

type outFragment struct {
	frag       frag.Fragment
	sent       bool
	acked      bool
	lastSentAt time.Time
}

// due reports whether the fragment should go into the next packet: never
// sent, or unacknowledged past the retransmission timeout.
func (f *outFragment) due(now time.Time, rto time.Duration) bool {
	if f.acked {
		return false
	}
	if !f.sent {
		return true
	}
	return now.Sub(f.lastSentAt) >= rto
}

// orderedSeqs returns the lane's live message sequences oldest-first, so
// flushes walk messages in send order. Age is measured back from the next
// unassigned sequence, which stays a total order however far the queue of
// unsent messages stretches; a pairwise Precedes sort breaks once the live
// span exceeds half the sequence space.
func (l *sendLane) orderedSeqs() []seq.Seq {
	seqs := make([]seq.Seq, 0, len(l.msgs))
	for ms := range l.msgs {
		seqs = append(seqs, ms)
	}
	age := func(s seq.Seq) uint16 { return uint16(l.nextSeq - s) }
	sort.Slice(seqs, func(i, j int) bool { return age(seqs[i]) > age(seqs[j]) })
	return seqs
}

// fragRef names one fragment of one message for ack bookkeeping.
type fragRef struct {
	lane   int
	msgSeq seq.Seq
	index  uint8
}

// packetRecord remembers which fragments a flushed packet carried, so a
// later acknowledgement of the packet can be resolved back to them.
type packetRecord struct {
	sentAt time.Time
	refs   []fragRef
}

// recvLane is the per-lane incoming tracker: it applies the lane kind's
// delivery policy to completed messages. Exact-duplicate suppression is
// already handled by the reassembler's completed-message window.
type recvLane struct {
	kind lane.Kind

	// Reliable-ordered state: the next sequence owed to the application
	// and completed messages blocked behind a gap. pendingBytes mirrors
	// the aggregate payload bytes held in pending; the memory guard
	// charges them against the budget.
	nextDeliver  seq.Seq
	pending      map[seq.Seq][]byte
	pendingBytes int

	// Sequenced state: the newest sequence delivered so far.
	started bool
	highest seq.Seq
}

// deliver applies the lane's policy to a completed message and returns the
// messages that become deliverable because of it, in delivery order.
func (l *recvLane) deliver(laneIndex int, msgSeq seq.Seq, payload []byte) []Message {
	switch l.kind {
	case lane.ReliableOrdered:
		return l.deliverOrdered(laneIndex, msgSeq, payload)

	case lane.UnreliableSequenced:
		if l.started && !seq.Precedes(l.highest, msgSeq) {
			logrus.WithFields(logrus.Fields{
				"lane":    laneIndex,
				"msg_seq": uint16(msgSeq),
				"newest":  uint16(l.highest),
			}).Debug("superseded message dropped")
			return nil
		}
		l.highest = msgSeq
		l.started = true
		return []Message{{Lane: laneIndex, Seq: msgSeq, Payload: payload}}

	default: // ReliableUnordered, UnreliableUnordered
		return []Message{{Lane: laneIndex, Seq: msgSeq, Payload: payload}}
	}
}

func (l *recvLane) deliverOrdered(laneIndex int, msgSeq seq.Seq, payload []byte) []Message {
	if seq.Precedes(msgSeq, l.nextDeliver) {
		// Behind the delivery cursor: already delivered long ago.
		return nil
	}
	if _, ok := l.pending[msgSeq]; !ok {
		l.pendingBytes += len(payload)
	}
	l.pending[msgSeq] = payload

	var out []Message
	for {
		p, ok := l.pending[l.nextDeliver]
		if !ok {
			return out
		}
		delete(l.pending, l.nextDeliver)
		l.pendingBytes -= len(p)
		out = append(out, Message{Lane: laneIndex, Seq: l.nextDeliver, Payload: p})
		l.nextDeliver.Next()
	}
}

// supersedes reports whether an incoming fragment on this lane is already
// older than what has been delivered, so reassembling it would be wasted.
func (l *recvLane) supersedes(msgSeq seq.Seq) bool {
	if l.kind != lane.UnreliableSequenced || !l.started {
		return false
	}
	return seq.Precedes(msgSeq, l.highest)
}
