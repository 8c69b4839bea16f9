// Package reflist implements the symmetry-aware reflection list: an
// ordered container mapping Miller index -> Reflection, shared by every
// stage of the pipeline (spec §3, §4.3).
package reflist

import (
	"github.com/google/btree"

	"github.com/crystfel-go/mergeengine/internal/miller"
)

// Reflection holds the mutable per-(h,k,l) fields described in spec §3.
// A Reflection is owned by exactly one List; callers obtain a pointer from
// Add/Find and mutate fields directly rather than through getter/setter
// methods — idiomatic Go favours exported fields here over the teacher
// source's opaque-handle accessors (see SPEC_FULL.md §9, REDESIGN FLAGS).
type Reflection struct {
	Index miller.Index

	I          float64 // measured intensity
	Sigma      float64 // sigma(I), >= 0
	Partiality float64 // p in [0,1]
	Redundancy int     // number of contributing observations, >= 0
	Lorentz    float64 // Lorentz factor

	Scalable  bool
	Refinable bool

	FastPos, SlowPos float64 // observed detector position
}

// List is a balanced-tree-backed ordered map keyed by (h,k,l), per spec
// §4.3. google/btree removes the manual parent/child pointer bookkeeping:
// the B-tree's internal slices hold *Reflection items, and a Reflection
// handle returned to a caller is a plain pointer (not an integer handle),
// scoped to this List's lifetime.
type List struct {
	tree *btree.BTreeG[*Reflection]
}

func less(a, b *Reflection) bool {
	return a.Index.Less(b.Index)
}

// New creates an empty reflection list.
func New() *List {
	return &List{tree: btree.NewG(32, less)}
}

// Add creates a fresh reflection at (h,k,l), replacing any existing entry
// at that key, and returns it. This is the "insert-always" reference
// behaviour spec §4.3 calls for: Add never returns a pre-existing handle,
// so callers that want to find-or-create must call Find first themselves.
// The no-duplicate-keys invariant (spec §3) still holds because the fresh
// entry replaces rather than appends.
func (l *List) Add(idx miller.Index) *Reflection {
	r := &Reflection{Index: idx}
	l.tree.ReplaceOrInsert(r)
	return r
}

// Find returns the reflection stored at exactly (h,k,l), with no symmetry
// folding — callers fold first if they want symmetry-aware lookup.
func (l *List) Find(idx miller.Index) (*Reflection, bool) {
	probe := &Reflection{Index: idx}
	got, ok := l.tree.Get(probe)
	return got, ok
}

// Count returns the number of reflections in the list.
func (l *List) Count() int {
	return l.tree.Len()
}

// FreeAll removes every reflection from the list.
func (l *List) FreeAll() {
	l.tree.Clear(false)
}

// ForEach visits every reflection in ascending key order. Returning false
// from fn stops iteration early. This is the visitor-style iteration the
// design notes prefer over exposing tree internals (SPEC_FULL.md §9).
func (l *List) ForEach(fn func(*Reflection) bool) {
	l.tree.Ascend(func(r *Reflection) bool {
		return fn(r)
	})
}

// All materialises every reflection into a slice in ascending key order.
// Convenience wrapper around ForEach for callers that need random access
// or want to sort/filter without threading a closure through.
func (l *List) All() []*Reflection {
	out := make([]*Reflection, 0, l.Count())
	l.ForEach(func(r *Reflection) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Clone returns a deep copy of the list (new Reflection values, same
// field contents). Used where a stage must mutate a working copy without
// perturbing a shared reference list.
func (l *List) Clone() *List {
	out := New()
	l.ForEach(func(r *Reflection) bool {
		cp := *r
		out.tree.ReplaceOrInsert(&cp)
		return true
	})
	return out
}
