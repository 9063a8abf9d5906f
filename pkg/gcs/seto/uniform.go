package seto

import "github.com/jabolina/go-gcs/pkg/gcs/helper"

// Per rank highest global order known to be regular delivered there.
type uniformity struct {
	orders  []uint64
	changed bool
}

func newUniformity(size int) *uniformity {
	return &uniformity{orders: make([]uint64, size)}
}

// Merge by pointwise maximum, idempotent and commutative.
func (u *uniformity) Merge(other []uint64) {
	if helper.MergeMax(u.orders, other) {
		u.changed = true
	}
}

// Delivered records the local regular delivery of the order.
func (u *uniformity) Delivered(self int, order uint64) {
	if order > u.orders[self] {
		u.orders[self] = order
		u.changed = true
	}
}

// IsUniform verifies if a majority of ranks delivered the order.
func (u *uniformity) IsUniform(order uint64) bool {
	seen := 0
	for _, o := range u.orders {
		if o >= order {
			seen++
		}
	}
	return seen > len(u.orders)/2
}

// Snapshot copies the vector to be piggybacked.
func (u *uniformity) Snapshot() []uint64 {
	c := make([]uint64, len(u.orders))
	copy(c, u.orders)
	return c
}

// Sent clears the changed flag.
func (u *uniformity) Sent() {
	u.changed = false
}

// Changed verifies if the vector changed since last sent.
func (u *uniformity) Changed() bool {
	return u.changed
}
