package miller

import "testing"

func TestIndexApplyAndNegate(t *testing.T) {
	idx := Index{H: 1, K: 2, L: 3}
	op := [3][3]int32{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}}

	got := idx.Apply(op)
	want := Index{H: -2, K: 1, L: 3}
	if got != want {
		t.Errorf("Apply: got %v, want %v", got, want)
	}

	if idx.Negate() != (Index{H: -1, K: -2, L: -3}) {
		t.Errorf("Negate: got %v", idx.Negate())
	}
}

func TestIndexLess(t *testing.T) {
	cases := []struct {
		a, b Index
		want bool
	}{
		{Index{0, 0, 0}, Index{1, 0, 0}, true},
		{Index{1, 0, 0}, Index{0, 0, 0}, false},
		{Index{1, 2, 3}, Index{1, 2, 4}, true},
		{Index{1, 2, 3}, Index{1, 2, 3}, false},
	}
	for _, c := range cases {
		if got := c.a.Less(c.b); got != c.want {
			t.Errorf("%v.Less(%v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestNewSymOpListUnknownGroup(t *testing.T) {
	if _, err := NewSymOpList("not-a-group"); err == nil {
		t.Fatal("expected error for unknown point group")
	} else if _, ok := err.(*UnknownPointGroupError); !ok {
		t.Errorf("expected *UnknownPointGroupError, got %T", err)
	}
}

func TestNewSymOpListContainsIdentityAndCloses(t *testing.T) {
	for _, name := range []string{"1", "-1", "222", "mmm", "4/mmm", "m-3m"} {
		sym, err := NewSymOpList(name)
		if err != nil {
			t.Fatalf("NewSymOpList(%q): %v", name, err)
		}
		if sym.Ops[0] != identity {
			t.Errorf("%s: Ops[0] is not the identity", name)
		}
		if len(sym.Ops) > 48 {
			t.Errorf("%s: order %d exceeds 48", name, len(sym.Ops))
		}
		// Closure: composing any two operators must yield an operator
		// already present in the list.
		seen := make(map[[3][3]int32]bool, len(sym.Ops))
		for _, op := range sym.Ops {
			seen[op] = true
		}
		for _, a := range sym.Ops {
			for _, b := range sym.Ops {
				if !seen[matMul(a, b)] {
					t.Fatalf("%s: not closed under composition", name)
				}
			}
		}
	}
}

// Concrete scenario: under mmm, (0,0,4) is centric and (1,2,3) is acentric.
func TestIsCentricMMM(t *testing.T) {
	sym, err := NewSymOpList("mmm")
	if err != nil {
		t.Fatalf("NewSymOpList: %v", err)
	}

	if !sym.IsCentric(Index{H: 0, K: 0, L: 4}) {
		t.Error("(0,0,4) should be centric under mmm")
	}
	if sym.IsCentric(Index{H: 1, K: 2, L: 3}) {
		t.Error("(1,2,3) should be acentric under mmm")
	}
}

func TestAsymmetricIsOrbitRepresentativeAndIdempotent(t *testing.T) {
	sym, err := NewSymOpList("mmm")
	if err != nil {
		t.Fatalf("NewSymOpList: %v", err)
	}

	idx := Index{H: -1, K: 2, L: -3}
	rep := sym.Asymmetric(idx)

	// The representative must itself be in idx's orbit.
	found := false
	for _, img := range sym.orbit(idx) {
		if img == rep {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("Asymmetric(%v) = %v is not in the orbit", idx, rep)
	}

	// Every member of the orbit must fold to the same representative
	// (fold-then-find, spec §8 property 2).
	for _, img := range sym.orbit(idx) {
		if got := sym.Asymmetric(img); got != rep {
			t.Errorf("Asymmetric(%v) = %v, want %v", img, got, rep)
		}
	}

	// Already-reduced representative re-folds to itself (idempotence,
	// spec §8 property 4).
	if got := sym.Asymmetric(rep); got != rep {
		t.Errorf("Asymmetric(rep) = %v, want %v (idempotence)", got, rep)
	}
}

func TestNumEquivsAndGetEquivAgreeWithOrbit(t *testing.T) {
	sym, err := NewSymOpList("422")
	if err != nil {
		t.Fatalf("NewSymOpList: %v", err)
	}

	idx := Index{H: 1, K: 0, L: 2}
	orb := sym.orbit(idx)

	if n := sym.NumEquivs(idx); n != len(orb) {
		t.Errorf("NumEquivs = %d, want %d", n, len(orb))
	}
	for i, want := range orb {
		if got := sym.GetEquiv(idx, i); got != want {
			t.Errorf("GetEquiv(idx, %d) = %v, want %v", i, got, want)
		}
	}

	// A general-position index under a group of order 8 has the full
	// orbit size (spec §8 property 8's orbit/asymmetric-count accounting).
	if len(orb) != len(sym.Ops) {
		t.Errorf("general position orbit size = %d, want %d (full group order)", len(orb), len(sym.Ops))
	}
}

func TestIsCentricSpecialPositionAlwaysCentric(t *testing.T) {
	// (h,0,0) is its own Friedel partner's image under the 2-fold along b
	// in 222/mmm, so it must be centric under either group.
	sym, err := NewSymOpList("222")
	if err != nil {
		t.Fatalf("NewSymOpList: %v", err)
	}
	if !sym.IsCentric(Index{H: 2, K: 0, L: 0}) {
		t.Error("(2,0,0) should be centric under 222")
	}
}
