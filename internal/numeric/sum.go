// Package numeric provides the deterministic summation primitives the
// concurrency model requires: scaling's accumulations must produce
// bit-identical results whether run with one thread or many (spec §5).
package numeric

// pairwiseThreshold is the slice length below which PairwiseSum falls
// back to a straight left-to-right sum; chosen small since most
// per-reflection observation lists are short.
const pairwiseThreshold = 8

// PairwiseSum sums xs using pairwise (cascade) summation: splitting the
// slice in half recursively and summing the halves before adding them
// together. This bounds floating-point error growth to O(log n) instead
// of O(n) and, critically, makes the result depend only on the input
// values and their order in xs — never on how many goroutines happened
// to process them concurrently, which a naive atomic-add accumulator
// would not guarantee.
func PairwiseSum(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	if n <= pairwiseThreshold {
		var sum float64
		for _, x := range xs {
			sum += x
		}
		return sum
	}
	mid := n / 2
	return PairwiseSum(xs[:mid]) + PairwiseSum(xs[mid:])
}

// WeightedMean computes sum(w_i*x_i)/sum(w_i) using pairwise summation
// for both numerator and denominator, so the result is independent of
// iteration/goroutine order.
func WeightedMean(xs, ws []float64) float64 {
	num := make([]float64, len(xs))
	for i := range xs {
		num[i] = xs[i] * ws[i]
	}
	denom := PairwiseSum(ws)
	if denom == 0 {
		return 0
	}
	return PairwiseSum(num) / denom
}
