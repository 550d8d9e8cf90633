package session

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// lossHorizonFactor scales the retransmission timeout into the point at
// which an unacknowledged packet is written off as lost.
const lossHorizonFactor = 3

// Update advances the session clock to now and returns every message that
// completed since the previous call, already filtered and ordered by each
// lane's delivery policy. It also retires packets past the loss horizon,
// expires stale reassembly buffers, and enforces the memory budget.
//
// Once Update returns an error the session is terminated: the same error
// is returned from every subsequent call, and Send and Recv fail with
// ErrTerminated.
func (s *Session) Update(now time.Time) ([]Message, error) {
	if s.fatal != nil {
		return nil, s.fatal
	}
	s.now = now

	s.expireFlushed(now)

	if d := s.cfg.ReassemblyTimeout.Std(); d > 0 {
		s.reassembler.CleanUp(now.Add(-d))
	}

	if budget := s.cfg.MemoryBudgetBytes; budget > 0 {
		held := 0
		for _, rl := range s.recvLanes {
			held += rl.pendingBytes
		}
		if used := s.reassembler.Bytes() + held + s.outBytes; used > budget {
			s.fatal = fmt.Errorf("%w: %d reassembly+held+unacked bytes over budget %d",
				ErrMemoryBudgetExceeded, used, budget)
			return nil, s.fatal
		}
	}

	if len(s.ready) == 0 {
		return nil, nil
	}
	out := s.ready
	s.ready = nil
	s.messagesOut += uint64(len(out))
	return out, nil
}

// expireFlushed counts packets unacknowledged past the loss horizon as
// lost and forgets them. Their fragments stay tracked and keep being
// retransmitted by Flush until acknowledged.
func (s *Session) expireFlushed(now time.Time) {
	horizon := time.Duration(lossHorizonFactor) * s.estimator.RetransmissionTimeout()
	for pseq, rec := range s.flushed {
		if now.Sub(rec.sentAt) < horizon {
			continue
		}
		delete(s.flushed, pseq)
		s.packetsLost++
		s.estimator.ObserveOutcome(true)
		logrus.WithFields(logrus.Fields{
			"packet_seq": uint16(pseq),
			"age":        now.Sub(rec.sentAt),
		}).Debug("packet presumed lost")
	}
}
