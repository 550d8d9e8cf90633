package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutFallbackBeforeFirstSample(t *testing.T) {
	e := NewEstimator(250*time.Millisecond, 2.0)
	assert.False(t, e.HasSample())
	assert.Equal(t, 250*time.Millisecond, e.RetransmissionTimeout())
	assert.Zero(t, e.SmoothedRTT())
}

func TestFirstSampleInitializes(t *testing.T) {
	e := NewEstimator(250*time.Millisecond, 2.0)
	e.ObserveRTT(100 * time.Millisecond)

	assert.True(t, e.HasSample())
	assert.Equal(t, 100*time.Millisecond, e.SmoothedRTT())
	assert.Equal(t, 50*time.Millisecond, e.RTTVar())
	assert.Equal(t, 200*time.Millisecond, e.RetransmissionTimeout())
}

func TestSmoothingConverges(t *testing.T) {
	e := NewEstimator(250*time.Millisecond, 2.0)
	e.ObserveRTT(100 * time.Millisecond)
	for i := 0; i < 100; i++ {
		e.ObserveRTT(40 * time.Millisecond)
	}

	srtt := e.SmoothedRTT()
	assert.InDelta(t, float64(40*time.Millisecond), float64(srtt), float64(time.Millisecond))
	assert.Less(t, e.RTTVar(), 5*time.Millisecond)
}

func TestSingleOutlierMovesEstimateSlightly(t *testing.T) {
	e := NewEstimator(250*time.Millisecond, 2.0)
	e.ObserveRTT(80 * time.Millisecond)
	e.ObserveRTT(800 * time.Millisecond)

	// 7/8 * 80 + 1/8 * 800 = 170ms
	assert.Equal(t, 170*time.Millisecond, e.SmoothedRTT())
}

func TestNegativeSampleIgnored(t *testing.T) {
	e := NewEstimator(250*time.Millisecond, 2.0)
	e.ObserveRTT(-time.Second)
	assert.False(t, e.HasSample())
}

func TestTimeoutFloor(t *testing.T) {
	e := NewEstimator(250*time.Millisecond, 1.0)
	e.ObserveRTT(10 * time.Microsecond)
	assert.Equal(t, time.Millisecond, e.RetransmissionTimeout())
}

func TestLossRatio(t *testing.T) {
	e := NewEstimator(250*time.Millisecond, 2.0)
	assert.Zero(t, e.LossRatio())

	for i := 0; i < 3; i++ {
		e.ObserveOutcome(false)
	}
	e.ObserveOutcome(true)
	assert.InDelta(t, 0.25, e.LossRatio(), 1e-9)
}

func TestLossWindowSlides(t *testing.T) {
	e := NewEstimator(250*time.Millisecond, 2.0)

	// Fill the window entirely with losses, then with successes; the
	// ratio must recover to zero once the losses age out.
	for i := 0; i < lossWindowSize; i++ {
		e.ObserveOutcome(true)
	}
	assert.InDelta(t, 1.0, e.LossRatio(), 1e-9)

	for i := 0; i < lossWindowSize; i++ {
		e.ObserveOutcome(false)
	}
	assert.Zero(t, e.LossRatio())
}
