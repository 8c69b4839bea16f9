// Package miller provides Miller-index arithmetic and crystallographic
// point-group symmetry over the reciprocal lattice.
package miller

import "fmt"

// Index is a signed Miller triple (h,k,l) identifying a reciprocal-lattice point.
type Index struct {
	H, K, L int32
}

// String renders an index in the conventional "h k l" form.
func (i Index) String() string {
	return fmt.Sprintf("%d %d %d", i.H, i.K, i.L)
}

// Negate returns the Friedel/Bijvoet partner (-h,-k,-l).
func (i Index) Negate() Index {
	return Index{-i.H, -i.K, -i.L}
}

// Apply transforms the index by a 3x3 integer operator matrix.
func (i Index) Apply(op [3][3]int32) Index {
	return Index{
		H: op[0][0]*i.H + op[0][1]*i.K + op[0][2]*i.L,
		K: op[1][0]*i.H + op[1][1]*i.K + op[1][2]*i.L,
		L: op[2][0]*i.H + op[2][1]*i.K + op[2][2]*i.L,
	}
}

// Less gives a total order over indices (lexicographic on H, then K, then L),
// used as the comparator that breaks ties when picking asymmetric-unit
// representatives. See SymOpList.Asymmetric for how the order is used.
func (i Index) Less(other Index) bool {
	if i.H != other.H {
		return i.H < other.H
	}
	if i.K != other.K {
		return i.K < other.K
	}
	return i.L < other.L
}
