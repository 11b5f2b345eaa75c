package grid

import "sort"

// NearestIndices finds, for every query, the index of the closest value on
// an ascending axis in one pass over the batch. The insertion point is
// clamped to [1, len-1] and the nearer of the two bracketing cells wins;
// exact ties choose the lower index, and out-of-range queries resolve to
// the first or last cell.
func NearestIndices(axis, queries []float64) []int {
	out := make([]int, len(queries))
	for i, q := range queries {
		out[i] = nearestIndex(axis, q)
	}
	return out
}

func nearestIndex(axis []float64, q float64) int {
	if len(axis) == 1 {
		return 0
	}
	hi := sort.SearchFloat64s(axis, q)
	if hi < 1 {
		hi = 1
	}
	if hi > len(axis)-1 {
		hi = len(axis) - 1
	}
	lo := hi - 1
	// Signed differences suffice: outside the axis one side is negative,
	// which picks the boundary cell.
	if q-axis[lo] <= axis[hi]-q {
		return lo
	}
	return hi
}
