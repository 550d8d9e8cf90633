package frag

import (
	"errors"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanewire/seq"
)

// ErrPayloadSize indicates a non-terminal fragment whose payload is not
// exactly the fragment payload size, or a terminal fragment larger than it.
// Either means the fragment was corrupted or forged; it can never be
// produced by a conforming fragmenter.
var ErrPayloadSize = errors.New("fragment payload size mismatch")

// ErrFragmentConflict indicates a fragment that contradicts what is already
// known about its message, such as an index at or past the terminal index,
// or a second terminal fragment with a different index.
var ErrFragmentConflict = errors.New("fragment conflicts with reassembly state")

// BufferKey identifies one in-progress reassembly buffer.
type BufferKey struct {
	Lane       int
	MessageSeq uint16
}

// messageBuffer accumulates the fragments of one message.
type messageBuffer struct {
	data       []byte
	received   *bitset.BitSet
	numRecv    int
	total      int // fragment count, -1 until the terminal fragment arrives
	totalLen   int // exact message length, valid once total >= 0
	lastRecvAt time.Time
}

// doneWindowSize bounds how many recently-completed message sequences are
// remembered per lane. Sequences further than this behind the newest
// completed one are treated as stale and dropped without reassembly.
const doneWindowSize = 2048

// doneWindow remembers recently-completed message sequences on one lane so
// that late duplicate fragments never allocate a fresh buffer.
type doneWindow struct {
	started bool
	highest seq.Seq
	done    map[seq.Seq]struct{}
}

func newDoneWindow() *doneWindow {
	return &doneWindow{done: make(map[seq.Seq]struct{})}
}

func (w *doneWindow) isDone(s seq.Seq) bool {
	if !w.started {
		return false
	}
	if _, ok := w.done[s]; ok {
		return true
	}
	// Far behind the newest completion: stale, treat as done.
	return seq.Distance(s, w.highest) > doneWindowSize
}

func (w *doneWindow) markDone(s seq.Seq) {
	w.done[s] = struct{}{}
	if !w.started || seq.Precedes(w.highest, s) {
		w.highest = s
		w.started = true
	}
	if len(w.done) > doneWindowSize {
		for old := range w.done {
			if seq.Distance(old, w.highest) > doneWindowSize {
				delete(w.done, old)
			}
		}
	}
}

// Reassembler reconstructs message payloads from fragments. Buffers are
// keyed by (lane, message sequence) and sized optimistically from the first
// fragment received, growing if a later fragment implies a larger message.
// Completed messages are remembered in a bounded per-lane window so their
// late duplicates are dropped without allocating; supersession on sequenced
// lanes is the caller's concern, since only the delivery policy knows it.
type Reassembler struct {
	payloadSize int
	buffers     map[BufferKey]*messageBuffer
	completed   map[int]*doneWindow
	bytes       int
}

// NewReassembler creates a reassembler for fragments produced with the
// given fragment payload size.
func NewReassembler(payloadSize int) *Reassembler {
	if payloadSize <= 0 {
		panic("frag: payload size must be positive")
	}
	return &Reassembler{
		payloadSize: payloadSize,
		buffers:     make(map[BufferKey]*messageBuffer),
		completed:   make(map[int]*doneWindow),
	}
}

func (r *Reassembler) doneOn(laneIndex int) *doneWindow {
	w, ok := r.completed[laneIndex]
	if !ok {
		w = newDoneWindow()
		r.completed[laneIndex] = w
	}
	return w
}

// Bytes returns the aggregate bytes currently held in reassembly buffers.
// The session's memory guard checks this against its budget.
func (r *Reassembler) Bytes() int {
	return r.bytes
}

// Pending returns the number of in-progress reassembly buffers.
func (r *Reassembler) Pending() int {
	return len(r.buffers)
}

// Accept folds one fragment into its reassembly buffer. It returns the
// complete message payload once the final fragment lands, or nil if the
// message is still incomplete. Duplicate fragments are dropped with no
// state change and no error.
func (r *Reassembler) Accept(f Fragment, now time.Time) ([]byte, error) {
	if err := r.checkPayloadSize(f); err != nil {
		return nil, err
	}

	done := r.doneOn(f.Lane)
	if done.isDone(seq.Seq(f.MessageSeq)) {
		return nil, nil // already completed, drop without allocating
	}

	key := BufferKey{Lane: f.Lane, MessageSeq: f.MessageSeq}
	buf, ok := r.buffers[key]
	if !ok {
		buf = r.newBuffer(f)
		r.buffers[key] = buf
		r.bytes += len(buf.data)
	}

	if buf.received.Test(uint(f.Index)) {
		return nil, nil // duplicate, drop silently
	}

	if err := r.noteExtent(buf, f); err != nil {
		// The buffer holds data that contradicts this fragment; drop it
		// so retransmissions can rebuild from a clean slate.
		r.Discard(key)
		return nil, err
	}
	if err := r.grow(buf, f); err != nil {
		return nil, err
	}

	copy(buf.data[int(f.Index)*r.payloadSize:], f.Payload)
	buf.received.Set(uint(f.Index))
	buf.numRecv++
	buf.lastRecvAt = now

	if buf.total < 0 || buf.numRecv < buf.total {
		return nil, nil
	}

	// All fragments present: emit and destroy the buffer.
	msg := buf.data[:buf.totalLen]
	r.bytes -= len(buf.data)
	delete(r.buffers, key)
	done.markDone(seq.Seq(f.MessageSeq))
	return msg, nil
}

// MarkDone records a message sequence as completed on a lane without it
// having been reassembled here, so late fragments for it are dropped
// without allocating.
func (r *Reassembler) MarkDone(laneIndex int, msgSeq uint16) {
	r.doneOn(laneIndex).markDone(seq.Seq(msgSeq))
}

// Discard drops the in-progress buffer for the given message, if any.
// Sequenced lanes use this when a newer message supersedes an older one
// still mid-reassembly.
func (r *Reassembler) Discard(key BufferKey) {
	if buf, ok := r.buffers[key]; ok {
		r.bytes -= len(buf.data)
		delete(r.buffers, key)
	}
}

// DiscardSuperseded drops in-progress buffers on a lane whose message
// sequence precedes newest, returning how many were dropped. Sequenced
// lanes call this when a newer message is delivered: anything older can no
// longer be delivered, so finishing its reassembly is wasted memory.
func (r *Reassembler) DiscardSuperseded(laneIndex int, newest uint16) int {
	dropped := 0
	for key, buf := range r.buffers {
		if key.Lane == laneIndex && seq.Precedes(seq.Seq(key.MessageSeq), seq.Seq(newest)) {
			r.bytes -= len(buf.data)
			delete(r.buffers, key)
			dropped++
		}
	}
	return dropped
}

// CleanUp drops buffers that have not received a fragment since the
// deadline and returns how many were dropped. Reliable senders retransmit,
// so a dropped reliable buffer rebuilds on the next retransmission.
func (r *Reassembler) CleanUp(deadline time.Time) int {
	dropped := 0
	for key, buf := range r.buffers {
		if buf.lastRecvAt.Before(deadline) {
			r.bytes -= len(buf.data)
			delete(r.buffers, key)
			dropped++
			logrus.WithFields(logrus.Fields{
				"lane":    key.Lane,
				"msg_seq": key.MessageSeq,
				"got":     buf.numRecv,
			}).Debug("dropped stale reassembly buffer")
		}
	}
	return dropped
}

// Clear drops every in-progress buffer.
func (r *Reassembler) Clear() {
	r.buffers = make(map[BufferKey]*messageBuffer)
	r.bytes = 0
}

func (r *Reassembler) checkPayloadSize(f Fragment) error {
	if f.Terminal {
		if len(f.Payload) > r.payloadSize {
			return fmt.Errorf("%w: terminal fragment carries %d bytes, max %d",
				ErrPayloadSize, len(f.Payload), r.payloadSize)
		}
		return nil
	}
	if len(f.Payload) != r.payloadSize {
		return fmt.Errorf("%w: fragment %d carries %d bytes, want %d",
			ErrPayloadSize, f.Index, len(f.Payload), r.payloadSize)
	}
	return nil
}

// newBuffer sizes a fresh buffer from the first fragment seen. With
// in-order arrival that fragment is the terminal one, so the provisional
// size F*(index+1) is exact and the buffer never reallocates.
func (r *Reassembler) newBuffer(f Fragment) *messageBuffer {
	return &messageBuffer{
		data:     make([]byte, (int(f.Index)+1)*r.payloadSize),
		received: bitset.New(MaxFragments),
		total:    -1,
	}
}

// noteExtent records what the fragment reveals about the message's size.
func (r *Reassembler) noteExtent(b *messageBuffer, f Fragment) error {
	idx := int(f.Index)
	if f.Terminal {
		switch {
		case b.total >= 0 && b.total != idx+1:
			return fmt.Errorf("%w: terminal index %d, previously %d",
				ErrFragmentConflict, idx, b.total-1)
		case b.total < 0 && highestSet(b.received) > idx+1:
			return fmt.Errorf("%w: terminal index %d below seen fragment %d",
				ErrFragmentConflict, idx, highestSet(b.received)-1)
		}
		b.total = idx + 1
		b.totalLen = idx*r.payloadSize + len(f.Payload)
		return nil
	}
	if b.total >= 0 && idx >= b.total {
		return fmt.Errorf("%w: index %d past terminal index %d",
			ErrFragmentConflict, idx, b.total-1)
	}
	return nil
}

// grow widens the buffer if this fragment lands past its current end. This
// happens when earlier (higher-index) fragments were lost and a lower part
// of the message arrived first.
func (r *Reassembler) grow(buf *messageBuffer, f Fragment) error {
	need := (int(f.Index))*r.payloadSize + len(f.Payload)
	if f.Terminal {
		need = buf.totalLen
	}
	if need <= len(buf.data) {
		return nil
	}
	grown := make([]byte, need)
	copy(grown, buf.data)
	r.bytes += len(grown) - len(buf.data)
	buf.data = grown
	return nil
}

// highestSet returns one past the highest set bit, or 0 if none are set.
func highestSet(b *bitset.BitSet) int {
	high := 0
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		high = int(i) + 1
	}
	return high
}
