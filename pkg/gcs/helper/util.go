package helper

import "time"

// Return the greatest value in a duration slice.
func MaxDuration(values []time.Duration) time.Duration {
	var value time.Duration
	for i, v := range values {
		if i == 0 || v > value {
			value = v
		}
	}
	return value
}

// Majority returns how many members of a view with the
// given size form a majority.
func Majority(size int) int {
	return size/2 + 1
}

// MergeMax merges the source into the destination by pointwise
// maximum. Returns true if the destination changed. Extra entries
// on either side are ignored.
func MergeMax(dst, src []uint64) bool {
	changed := false
	for i := 0; i < len(dst) && i < len(src); i++ {
		if src[i] > dst[i] {
			dst[i] = src[i]
			changed = true
		}
	}
	return changed
}
