package reflist

import (
	"math"

	"github.com/crystfel-go/mergeengine/internal/miller"
)

// FoldAsymmetric builds a new list keyed by the asymmetric-unit
// representative of every reflection in src under sym (spec §4.5).
// Multiple observations of symmetry-equivalent reflections collapse into
// a single entry whose intensity is their mean, with Redundancy counting
// how many contributed. Sigma is pooled as the RMS of the input sigmas
// divided by sqrt(n), the standard error-of-the-mean estimate.
func FoldAsymmetric(src *List, sym *miller.SymOpList) *List {
	type accum struct {
		sumI, sumSigmaSq, sumP float64
		n                      int
		lorentz                float64
		fast, slow             float64
	}

	acc := make(map[miller.Index]*accum)
	order := make([]miller.Index, 0)

	src.ForEach(func(r *Reflection) bool {
		rep := sym.Asymmetric(r.Index)
		a, ok := acc[rep]
		if !ok {
			a = &accum{}
			acc[rep] = a
			order = append(order, rep)
		}
		a.sumI += r.I
		a.sumSigmaSq += r.Sigma * r.Sigma
		a.sumP += r.Partiality
		a.lorentz += r.Lorentz
		a.fast += r.FastPos
		a.slow += r.SlowPos
		a.n++
		return true
	})

	out := New()
	for _, rep := range order {
		a := acc[rep]
		n := float64(a.n)
		h := out.Add(rep)
		h.I = a.sumI / n
		h.Sigma = math.Sqrt(a.sumSigmaSq) / n
		h.Partiality = a.sumP / n
		h.Redundancy = a.n
		h.Lorentz = a.lorentz / n
		h.FastPos = a.fast / n
		h.SlowPos = a.slow / n
		h.Scalable = true
	}
	return out
}

// IsIdempotent reports whether re-folding list under sym is a no-op, i.e.
// every key in list is already its own asymmetric representative. Used by
// tests exercising the idempotence invariant (spec §8, property 4).
func IsIdempotent(list *List, sym *miller.SymOpList) bool {
	ok := true
	list.ForEach(func(r *Reflection) bool {
		if sym.Asymmetric(r.Index) != r.Index {
			ok = false
			return false
		}
		return true
	})
	return ok
}
