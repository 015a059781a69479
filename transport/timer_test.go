package transport

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRttEstimatorSeedsOnFirstSample(t *testing.T) {
	var e rttEstimator
	e.sample(100 * time.Millisecond)

	assert.Equal(t, 100*time.Millisecond, e.smoothed)
	assert.Equal(t, 50*time.Millisecond, e.variation)
}

func TestRttEstimatorSmoothsSubsequentSamples(t *testing.T) {
	var e rttEstimator
	e.sample(100 * time.Millisecond)
	e.sample(140 * time.Millisecond)

	// Smoothed = (7*100 + 140) / 8 = 105ms; Variance = (3*50 + |100-140|)/4 = 47.5ms -> truncated.
	assert.Equal(t, (7*100*time.Millisecond+140*time.Millisecond)/8, e.smoothed)
	assert.Equal(t, (3*50*time.Millisecond+40*time.Millisecond)/4, e.variation)
	assert.Greater(t, int64(e.smoothed), int64(0))
}

func TestTimerWheelTracksEarliestExpiration(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var w timerWheel

	w.set(timerIdle, clock.Now().Add(30*time.Second))
	w.set(timerLossDetection, clock.Now().Add(5*time.Second))
	w.set(timerKeepAlive, clock.Now().Add(15*time.Second))

	earliest, ok := w.next()
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(5*time.Second), earliest)

	clock.Advance(10 * time.Second)
	fired := w.expired(clock.Now())
	require.Len(t, fired, 1)
	assert.Equal(t, timerLossDetection, fired[0])

	earliest, ok = w.next()
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(5*time.Second), earliest) // keepalive at +15s from epoch, +5s from now
}

func TestTimerWheelCancelRecomputesEarliest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var w timerWheel

	w.set(timerIdle, clock.Now().Add(30*time.Second))
	w.set(timerLossDetection, clock.Now().Add(5*time.Second))

	w.cancel(timerLossDetection)

	earliest, ok := w.next()
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(30*time.Second), earliest)
}

func TestTimerWheelNoDeadlinesReportsNotOk(t *testing.T) {
	var w timerWheel
	_, ok := w.next()
	assert.False(t, ok)
}
