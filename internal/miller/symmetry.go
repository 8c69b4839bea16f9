package miller

import "fmt"

// UnknownPointGroupError is returned when a point-group name has no
// registered generator set. Fatal for the whole run per spec §7.
type UnknownPointGroupError struct {
	Name string
}

func (e *UnknownPointGroupError) Error() string {
	return fmt.Sprintf("miller: unknown point group %q", e.Name)
}

var identity = [3][3]int32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
var inversion = [3][3]int32{{-1, 0, 0}, {0, -1, 0}, {0, 0, -1}}

// generators maps a canonical point-group name to its generating operators.
// The full operator list is produced by closing these under composition
// (see NewSymOpList). Matrices act on (h,k,l) in the conventional
// crystallographic setting for each system; centrosymmetric groups include
// the inversion generator explicitly rather than relying on it being
// derivable, since several of the acentric subgroups below share generators
// with their Laue-class parent.
var generators = map[string][][3][3]int32{
	// Triclinic
	"1":  {identity},
	"-1": {identity, inversion},

	// Monoclinic (unique axis b)
	"2":   {{{-1, 0, 0}, {0, 1, 0}, {0, 0, -1}}},
	"m":   {{{1, 0, 0}, {0, -1, 0}, {0, 0, 1}}},
	"2/m": {{{-1, 0, 0}, {0, 1, 0}, {0, 0, -1}}, inversion},

	// Orthorhombic
	"222": {
		{{1, 0, 0}, {0, -1, 0}, {0, 0, -1}},
		{{-1, 0, 0}, {0, 1, 0}, {0, 0, -1}},
	},
	"mmm": {
		{{1, 0, 0}, {0, -1, 0}, {0, 0, -1}},
		{{-1, 0, 0}, {0, 1, 0}, {0, 0, -1}},
		inversion,
	},

	// Tetragonal
	"4": {
		{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}},
	},
	"4/m": {
		{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}},
		inversion,
	},
	"422": {
		{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}},
		{{1, 0, 0}, {0, -1, 0}, {0, 0, -1}},
	},
	"4/mmm": {
		{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}},
		{{1, 0, 0}, {0, -1, 0}, {0, 0, -1}},
		inversion,
	},

	// Trigonal / hexagonal (hexagonal axes)
	"3": {
		{{0, -1, 0}, {1, -1, 0}, {0, 0, 1}},
	},
	"-3": {
		{{0, -1, 0}, {1, -1, 0}, {0, 0, 1}},
		inversion,
	},
	"32": {
		{{0, -1, 0}, {1, -1, 0}, {0, 0, 1}},
		{{0, -1, 0}, {-1, 0, 0}, {0, 0, -1}},
	},
	"-3m": {
		{{0, -1, 0}, {1, -1, 0}, {0, 0, 1}},
		{{0, -1, 0}, {-1, 0, 0}, {0, 0, -1}},
		inversion,
	},
	"6": {
		{{1, 1, 0}, {-1, 0, 0}, {0, 0, 1}},
	},
	"6/m": {
		{{1, 1, 0}, {-1, 0, 0}, {0, 0, 1}},
		inversion,
	},
	"622": {
		{{1, 1, 0}, {-1, 0, 0}, {0, 0, 1}},
		{{1, 0, 0}, {0, -1, 0}, {0, 0, -1}},
	},
	"6/mmm": {
		{{1, 1, 0}, {-1, 0, 0}, {0, 0, 1}},
		{{1, 0, 0}, {0, -1, 0}, {0, 0, -1}},
		inversion,
	},

	// Cubic
	"23": {
		{{1, 0, 0}, {0, -1, 0}, {0, 0, -1}},
		{{-1, 0, 0}, {0, 1, 0}, {0, 0, -1}},
		{{0, 0, 1}, {1, 0, 0}, {0, 1, 0}},
	},
	"m-3": {
		{{1, 0, 0}, {0, -1, 0}, {0, 0, -1}},
		{{-1, 0, 0}, {0, 1, 0}, {0, 0, -1}},
		{{0, 0, 1}, {1, 0, 0}, {0, 1, 0}},
		inversion,
	},
	"432": {
		{{1, 0, 0}, {0, -1, 0}, {0, 0, -1}},
		{{-1, 0, 0}, {0, 1, 0}, {0, 0, -1}},
		{{0, 0, 1}, {1, 0, 0}, {0, 1, 0}},
		{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}},
	},
	"m-3m": {
		{{1, 0, 0}, {0, -1, 0}, {0, 0, -1}},
		{{-1, 0, 0}, {0, 1, 0}, {0, 0, -1}},
		{{0, 0, 1}, {1, 0, 0}, {0, 1, 0}},
		{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}},
		inversion,
	},
}

// SymOpList is a finite, ordered, deduplicated list of point-group
// operators with a name. Invariants (spec §3): contains the identity,
// closed under composition, order divides 48.
type SymOpList struct {
	Name string
	Ops  [][3][3]int32
}

// NewSymOpList builds the full operator list for a canonical point-group
// name by closing its generators under matrix composition (group closure
// via breadth-first multiplication, bounded by the order-48 invariant).
func NewSymOpList(name string) (*SymOpList, error) {
	gens, ok := generators[name]
	if !ok {
		return nil, &UnknownPointGroupError{Name: name}
	}

	ops := []([3][3]int32){identity}
	seen := map[[3][3]int32]bool{identity: true}

	frontier := append([][3][3]int32{}, gens...)
	for len(frontier) > 0 {
		var next [][3][3]int32
		for _, g := range frontier {
			if !seen[g] {
				seen[g] = true
				ops = append(ops, g)
				next = append(next, g)
			}
		}
		var grown [][3][3]int32
		for _, a := range ops {
			for _, b := range next {
				c := matMul(a, b)
				if !seen[c] {
					grown = append(grown, c)
				}
			}
		}
		frontier = grown
		if len(ops) > 48 {
			break
		}
	}

	return &SymOpList{Name: name, Ops: ops}, nil
}

func matMul(a, b [3][3]int32) [3][3]int32 {
	var c [3][3]int32
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum int32
			for k := 0; k < 3; k++ {
				sum += a[i][k] * b[k][j]
			}
			c[i][j] = sum
		}
	}
	return c
}

// NumEquivs returns the orbit size of (h,k,l) under the group: the number
// of distinct images, which may be smaller than len(Ops) when an operator
// stabilises the index (special position).
func (s *SymOpList) NumEquivs(idx Index) int {
	return len(s.orbit(idx))
}

// GetEquiv returns the i-th distinct image of (h,k,l) in the orbit, in the
// order operators are stored in Ops (first occurrence wins on duplicates).
func (s *SymOpList) GetEquiv(idx Index, i int) Index {
	orb := s.orbit(idx)
	return orb[i%len(orb)]
}

// orbit enumerates the distinct images of idx under all operators,
// preserving first-seen order (deterministic given Ops' order).
func (s *SymOpList) orbit(idx Index) []Index {
	seen := make(map[Index]bool, len(s.Ops))
	var out []Index
	for _, op := range s.Ops {
		img := idx.Apply(op)
		if !seen[img] {
			seen[img] = true
			out = append(out, img)
		}
	}
	return out
}

// IsCentric reports whether (h,k,l) is invariant up to sign under some
// proper (determinant +1) operator in the group. Checking the full
// operator list instead would be vacuous for every centrosymmetric point
// group: such groups carry the inversion as a generator, which trivially
// maps every index to its negative via ordinary Friedel symmetry, making
// every reflection "centric". The crystallographically meaningful
// question is whether a rotation or screw axis, not just the inversion
// centre, relates hkl to -h,-k,-l — e.g. under mmm, (0,0,4) is centric
// (the 2-fold along a takes it to (0,0,-4)) but general (1,2,3) is not.
func (s *SymOpList) IsCentric(idx Index) bool {
	neg := idx.Negate()
	for _, op := range s.Ops {
		if det3(op) != 1 {
			continue
		}
		if idx.Apply(op) == neg {
			return true
		}
	}
	return false
}

// det3 returns the determinant of a 3x3 integer operator matrix, used to
// separate proper rotations (det +1) from improper ones (det -1,
// including the inversion and mirrors).
func det3(m [3][3]int32) int32 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// Asymmetric returns the canonical representative of idx's orbit: the
// lexicographically largest image under Index.Less. This choice is
// documented here per spec §9's open question — it must be pinned down
// before any test depends on representative identity. Lexicographically
// largest (rather than smallest) is picked so that purely positive-octant
// reflections remain their own representative in the common case of
// already-reduced input, matching typical merging-program conventions.
func (s *SymOpList) Asymmetric(idx Index) Index {
	orb := s.orbit(idx)
	best := orb[0]
	for _, img := range orb[1:] {
		if best.Less(img) {
			best = img
		}
	}
	return best
}
