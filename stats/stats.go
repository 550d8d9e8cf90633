// Package stats estimates round-trip time and packet loss from packet
// send/ack observations.
//
// The estimator is passive: it never schedules anything itself, it only
// folds in samples the session reports and answers with the current
// smoothed RTT, loss ratio, and the retransmission timeout the send
// tracker should use. RTT smoothing follows the RFC 6298 coefficients
// (1/8 gain on the mean, 1/4 on the variance); loss is the fraction of
// lost packets over a sliding window of recently resolved ones.
package stats

import "time"

// lossWindowSize is how many resolved packets (acked or lost) the loss
// ratio is computed over.
const lossWindowSize = 256

// minTimeout is the floor for the RTT-derived retransmission timeout, so a
// sub-millisecond link cannot drive the engine into retransmitting every
// update tick.
const minTimeout = time.Millisecond

// Estimator maintains smoothed RTT and packet-loss estimates for one
// session.
type Estimator struct {
	srtt      time.Duration
	rttVar    time.Duration
	hasSample bool

	defaultTimeout time.Duration
	timeoutFactor  float64

	outcomes [lossWindowSize]bool // true = lost
	next     int
	filled   int
	lost     int
}

// NewEstimator creates an estimator. defaultTimeout is the retransmission
// timeout used before the first RTT sample; timeoutFactor multiplies the
// smoothed RTT afterwards.
func NewEstimator(defaultTimeout time.Duration, timeoutFactor float64) *Estimator {
	return &Estimator{
		defaultTimeout: defaultTimeout,
		timeoutFactor:  timeoutFactor,
	}
}

// ObserveRTT folds in one round-trip sample, measured from sending a
// packet to the first acknowledgement covering it.
func (e *Estimator) ObserveRTT(sample time.Duration) {
	if sample < 0 {
		return
	}
	if !e.hasSample {
		e.srtt = sample
		e.rttVar = sample / 2
		e.hasSample = true
		return
	}
	diff := e.srtt - sample
	if diff < 0 {
		diff = -diff
	}
	e.rttVar = (3*e.rttVar + diff) / 4
	e.srtt = (7*e.srtt + sample) / 8
}

// ObserveOutcome records one resolved packet: acknowledged, or declared
// lost by retransmission timeout.
func (e *Estimator) ObserveOutcome(lost bool) {
	if e.filled == lossWindowSize {
		if e.outcomes[e.next] {
			e.lost--
		}
	} else {
		e.filled++
	}
	e.outcomes[e.next] = lost
	if lost {
		e.lost++
	}
	e.next = (e.next + 1) % lossWindowSize
}

// HasSample reports whether at least one RTT sample has been observed.
func (e *Estimator) HasSample() bool {
	return e.hasSample
}

// SmoothedRTT returns the exponentially weighted mean RTT, or zero before
// the first sample.
func (e *Estimator) SmoothedRTT() time.Duration {
	return e.srtt
}

// RTTVar returns the smoothed RTT deviation.
func (e *Estimator) RTTVar() time.Duration {
	return e.rttVar
}

// LossRatio returns the fraction of recently resolved packets that were
// lost, in [0, 1]. Zero until any packet resolves.
func (e *Estimator) LossRatio() float64 {
	if e.filled == 0 {
		return 0
	}
	return float64(e.lost) / float64(e.filled)
}

// RetransmissionTimeout returns how long a fragment may remain
// unacknowledged before the send tracker retransmits it: the configured
// default before the first RTT sample, the smoothed RTT scaled by the
// timeout factor afterwards.
func (e *Estimator) RetransmissionTimeout() time.Duration {
	if !e.hasSample {
		return e.defaultTimeout
	}
	rto := time.Duration(float64(e.srtt) * e.timeoutFactor)
	if rto < minTimeout {
		rto = minTimeout
	}
	return rto
}
