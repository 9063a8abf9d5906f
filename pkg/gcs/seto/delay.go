package seto

import (
	"math"
	"time"

	"github.com/jabolina/go-gcs/pkg/gcs/helper"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
)

// Adaptive delay estimation for the optimistic delivery. Re-created on
// every view, indexed by rank.
type estimator struct {
	// Smoothing factor.
	alpha float64

	// Estimated one way delay of each sender.
	delay []time.Duration

	// Delay each sender reported, observed by the sequencer.
	reported []time.Duration

	// Previous regular delivery, used to compare consecutive gaps.
	lastSender types.Rank
	lastFast   time.Time
	lastFinal  time.Time
}

func newEstimator(alpha float64, size int) *estimator {
	return &estimator{
		alpha:      alpha,
		delay:      make([]time.Duration, size),
		reported:   make([]time.Duration, size),
		lastSender: types.NoRank,
	}
}

// Of returns the delay applied before releasing a message of the sender.
func (e *estimator) Of(r types.Rank) time.Duration {
	return e.delay[r]
}

// Outgoing returns the delay a sender attaches to its messages.
func (e *estimator) Outgoing() time.Duration {
	return helper.MaxDuration(e.delay) - e.delay[0]
}

// Reported is called by the sequencer when ordering a message.
func (e *estimator) Reported(sender, self types.Rank, d time.Duration) {
	e.reported[sender] = d
	e.delay[self] = helper.MaxDuration(e.reported)
}

// Observe compares the gap between the spontaneous arrival of two
// consecutive regular deliveries against the gap of their final order.
func (e *estimator) Observe(sender types.Rank, fast, final time.Time) {
	if e.lastSender != types.NoRank {
		delta := final.Sub(e.lastFinal) - fast.Sub(e.lastFast)
		if delta > 0 {
			e.adjust(e.lastSender, sender, delta)
		} else if delta < 0 {
			e.adjust(sender, e.lastSender, -delta)
		}
	}
	e.lastSender = sender
	e.lastFast = fast
	e.lastFinal = final
}

// The negative excess of i is moved onto j. A chain of adjustments may
// still drive j below zero.
func (e *estimator) adjust(i, j types.Rank, d time.Duration) {
	v := float64(e.delay[i])*e.alpha + float64(e.delay[i]-d)*(1-e.alpha)
	if v >= 0 {
		e.delay[i] = round(v)
		return
	}
	e.delay[i] = 0
	e.delay[j] = e.delay[j] - round(v)
}

// Halves round up, -2.5 becomes -2.
func round(v float64) time.Duration {
	return time.Duration(math.Floor(v + 0.5))
}
