package seto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEstimator_AdjustSmooths(t *testing.T) {
	e := newEstimator(0.95, 2)
	e.delay[0] = 200 * time.Millisecond

	e.adjust(0, 1, 100*time.Millisecond)
	require.Equal(t, 195*time.Millisecond, e.delay[0])
	require.Zero(t, e.delay[1])
}

func TestEstimator_NegativeMovesToPeer(t *testing.T) {
	e := newEstimator(0.95, 2)

	e.adjust(0, 1, 100*time.Millisecond)
	require.Zero(t, e.delay[0])
	require.Equal(t, 5*time.Millisecond, e.delay[1])
}

func TestEstimator_Observe(t *testing.T) {
	e := newEstimator(0.95, 3)
	start := time.Unix(0, 0)

	// The first observation has nothing to compare against.
	e.Observe(0, start, start)
	require.Equal(t, []time.Duration{0, 0, 0}, e.delay)

	// The final order of rank 1 came much later than it arrived, the
	// delay moves onto rank 1.
	e.Observe(1, start.Add(10*time.Millisecond), start.Add(110*time.Millisecond))
	require.Equal(t, []time.Duration{0, 5 * time.Millisecond, 0}, e.delay)
	require.Equal(t, 5*time.Millisecond, e.Outgoing())

	// Same gaps, nothing changes.
	e.Observe(2, start.Add(20*time.Millisecond), start.Add(120*time.Millisecond))
	require.Equal(t, []time.Duration{0, 5 * time.Millisecond, 0}, e.delay)
}

func TestEstimator_Reported(t *testing.T) {
	e := newEstimator(0.95, 3)
	e.Reported(1, 0, 30*time.Millisecond)
	e.Reported(2, 0, 10*time.Millisecond)
	require.Equal(t, 30*time.Millisecond, e.Of(0))
	require.Equal(t, 30*time.Millisecond, e.delay[0])
	require.Zero(t, e.Outgoing())
}

func TestEstimator_NegativeHalfRoundsUp(t *testing.T) {
	e := newEstimator(0.5, 2)

	// 0*0.5 + (0-5)*0.5 = -2.5 moves 2ns onto the peer.
	e.adjust(0, 1, 5)
	require.Zero(t, e.delay[0])
	require.Equal(t, time.Duration(2), e.delay[1])
	require.Equal(t, time.Duration(3), round(2.5))
}
