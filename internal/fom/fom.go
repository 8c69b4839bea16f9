// Package fom implements the figure-of-merit engine of spec §4.10:
// resolution-binned quality metrics computed between a pair of reflection
// lists, with Bijvoet-pair bookkeeping for the anomalous-signal FOMs and
// Wilson scaling for bringing two lists onto a common intensity scale
// before comparison.
package fom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/crystfel-go/mergeengine/internal/cell"
	"github.com/crystfel-go/mergeengine/internal/miller"
	"github.com/crystfel-go/mergeengine/internal/numeric"
	"github.com/crystfel-go/mergeengine/internal/reflist"
)

// Kind names one figure of merit from spec §4.10's table.
type Kind string

const (
	R1I            Kind = "R1I"
	R1F            Kind = "R1F"
	R2             Kind = "R2"
	Rsplit         Kind = "Rsplit"
	CC             Kind = "CC"
	CCStar         Kind = "CCstar"
	CCano          Kind = "CCano"
	CRDano         Kind = "CRDano"
	Rano           Kind = "Rano"
	RanoOverRsplit Kind = "Rano/Rsplit"
	D1Sigma        Kind = "D1sigma"
	D2Sigma        Kind = "D2sigma"
)

var anomalousKinds = map[Kind]bool{
	CCano: true, CRDano: true, Rano: true, RanoOverRsplit: true,
}

// Shell is one resolution bin [DStarMin, DStarMax) in reciprocal metres.
type Shell struct {
	DStarMin, DStarMax float64
}

// BuildShells partitions [dStarMin, dStarMax] into n bins of equal
// reciprocal volume (spec §3's "Resolution shells" definition): with
// v = (dStarMax^3 - dStarMin^3)/n, shell i occupies
// [(dStarMin^3 + i*v)^(1/3), (dStarMin^3 + (i+1)*v)^(1/3)].
func BuildShells(dStarMin, dStarMax float64, n int) []Shell {
	if n < 1 {
		n = 1
	}
	v := (cube(dStarMax) - cube(dStarMin)) / float64(n)
	shells := make([]Shell, n)
	for i := 0; i < n; i++ {
		lo := math.Cbrt(cube(dStarMin) + float64(i)*v)
		hi := math.Cbrt(cube(dStarMin) + float64(i+1)*v)
		shells[i] = Shell{DStarMin: lo, DStarMax: hi}
	}
	return shells
}

func cube(x float64) float64 { return x * x * x }

func shellIndex(dstar float64, shells []Shell) int {
	for i, s := range shells {
		last := i == len(shells)-1
		if dstar >= s.DStarMin && (dstar < s.DStarMax || last) {
			return i
		}
	}
	return -1
}

// SelectionPolicy implements spec §4.10's pre-accumulation gates.
type SelectionPolicy struct {
	SigmaCutoff        float64 // reject I < SigmaCutoff*sigma when > 0
	ZeroNegatives      bool    // clamp negative I to 0 instead of rejecting
	DropNegatives      bool    // reject negative I outright (checked first)
	MinRedundancy      int
	DStarMin, DStarMax float64
}

// DefaultPolicy imposes no gates beyond resolution range [0, +Inf).
func DefaultPolicy() SelectionPolicy {
	return SelectionPolicy{DStarMin: 0, DStarMax: math.Inf(1)}
}

func (p SelectionPolicy) accept(h *reflist.Reflection, dstar float64) (float64, bool) {
	if dstar < p.DStarMin || dstar > p.DStarMax {
		return 0, false
	}
	if h.Redundancy < p.MinRedundancy {
		return 0, false
	}
	I := h.I
	if I < 0 {
		if p.DropNegatives {
			return 0, false
		}
		if p.ZeroNegatives {
			I = 0
		}
	}
	if p.SigmaCutoff > 0 && h.Sigma > 0 && I < p.SigmaCutoff*h.Sigma {
		return 0, false
	}
	return I, true
}

// ShellResult is one shell's computed FOM value.
type ShellResult struct {
	DStarMin, DStarMax float64
	Value              float64
	NPairs             int
}

// Report is the full output of Compute: per-shell values plus the value
// computed over the pooled data from every shell.
type Report struct {
	Kind     Kind
	PerShell []ShellResult
	Overall  float64
	OverallN int
}

type pair struct {
	I1, Sigma1 float64
	I2, Sigma2 float64
	dstar      float64
}

type anomPair struct {
	I1, I2       float64 // idx, from list1/list2
	I1Bij, I2Bij float64 // Bijvoet partner of idx, from list1/list2
	dstar        float64
}

// Compute evaluates kind over every shell in shells, plus overall across
// all shells pooled, following the selection policy of spec §4.10. sym is
// required (non-nil) only for the anomalous kinds.
func Compute(list1, list2 *reflist.List, uc cell.UnitCell, shells []Shell, kind Kind, sym *miller.SymOpList, policy SelectionPolicy) (Report, error) {
	if anomalousKinds[kind] {
		if sym == nil {
			return Report{}, fmt.Errorf("fom: %s requires a SymOpList", kind)
		}
		return computeAnomalous(list1, list2, uc, shells, kind, sym, policy)
	}
	return computeStandard(list1, list2, uc, shells, kind, policy)
}

func collectPairs(list1, list2 *reflist.List, uc cell.UnitCell, policy SelectionPolicy) []pair {
	var pairs []pair
	list1.ForEach(func(h1 *reflist.Reflection) bool {
		h2, ok := list2.Find(h1.Index)
		if !ok {
			return true
		}
		dstar := uc.Resolution(h1.Index)
		I1, ok1 := policy.accept(h1, dstar)
		if !ok1 {
			return true
		}
		I2, ok2 := policy.accept(h2, dstar)
		if !ok2 {
			return true
		}
		pairs = append(pairs, pair{I1: I1, Sigma1: h1.Sigma, I2: I2, Sigma2: h2.Sigma, dstar: dstar})
		return true
	})
	return pairs
}

func computeStandard(list1, list2 *reflist.List, uc cell.UnitCell, shells []Shell, kind Kind, policy SelectionPolicy) (Report, error) {
	pairs := collectPairs(list1, list2, uc, policy)

	byShell := make([][]pair, len(shells))
	var inShells []pair
	for _, p := range pairs {
		if i := shellIndex(p.dstar, shells); i >= 0 {
			byShell[i] = append(byShell[i], p)
			inShells = append(inShells, p)
		}
	}

	report := Report{Kind: kind}
	for i, s := range shells {
		v, err := standardValue(kind, byShell[i])
		if err != nil {
			return Report{}, err
		}
		report.PerShell = append(report.PerShell, ShellResult{
			DStarMin: s.DStarMin, DStarMax: s.DStarMax, Value: v, NPairs: len(byShell[i]),
		})
	}

	overall, err := standardValue(kind, inShells)
	if err != nil {
		return Report{}, err
	}
	report.Overall = overall
	report.OverallN = len(inShells)
	return report, nil
}

func standardValue(kind Kind, pairs []pair) (float64, error) {
	n := len(pairs)
	if n == 0 {
		return 0, nil
	}

	switch kind {
	case R1I:
		num := make([]float64, n)
		den := make([]float64, n)
		for i, p := range pairs {
			num[i] = math.Abs(p.I1 - p.I2)
			den[i] = p.I1
		}
		return ratio(num, den), nil

	case R1F:
		num := make([]float64, n)
		den := make([]float64, n)
		for i, p := range pairs {
			s1, s2 := math.Sqrt(math.Max(p.I1, 0)), math.Sqrt(math.Max(p.I2, 0))
			num[i] = math.Abs(s1 - s2)
			den[i] = s1
		}
		return ratio(num, den), nil

	case R2:
		num := make([]float64, n)
		den := make([]float64, n)
		for i, p := range pairs {
			num[i] = (p.I1 - p.I2) * (p.I1 - p.I2)
			den[i] = p.I1 * p.I1
		}
		d := numeric.PairwiseSum(den)
		if d == 0 {
			return 0, nil
		}
		return math.Sqrt(numeric.PairwiseSum(num) / d), nil

	case Rsplit:
		return rsplit(pairs), nil

	case CC:
		return pearson(pairs), nil

	case CCStar:
		cc := pearson(pairs)
		if 1+cc <= 0 {
			return 0, nil
		}
		return math.Sqrt(2 * cc / (1 + cc)), nil

	case D1Sigma:
		return dSigmaFraction(pairs, 1), nil

	case D2Sigma:
		return dSigmaFraction(pairs, 2), nil

	default:
		return 0, fmt.Errorf("fom: unknown or non-standard kind %q", kind)
	}
}

func ratio(num, den []float64) float64 {
	d := numeric.PairwiseSum(den)
	if d == 0 {
		return 0
	}
	return numeric.PairwiseSum(num) / d
}

func rsplit(pairs []pair) float64 {
	n := len(pairs)
	num := make([]float64, n)
	den := make([]float64, n)
	for i, p := range pairs {
		num[i] = math.Abs(p.I1 - p.I2)
		den[i] = p.I1 + p.I2
	}
	d := numeric.PairwiseSum(den)
	if d == 0 {
		return 0
	}
	return (2 / math.Sqrt2) * numeric.PairwiseSum(num) / d
}

func pearson(pairs []pair) float64 {
	if len(pairs) < 2 {
		return 0
	}
	x := make([]float64, len(pairs))
	y := make([]float64, len(pairs))
	for i, p := range pairs {
		x[i] = p.I1
		y[i] = p.I2
	}
	return stat.Correlation(x, y, nil)
}

func dSigmaFraction(pairs []pair, k float64) float64 {
	if len(pairs) == 0 {
		return 0
	}
	count := 0
	for _, p := range pairs {
		if math.Abs(p.I1-p.I2) < k*math.Sqrt(p.Sigma1*p.Sigma1+p.Sigma2*p.Sigma2) {
			count++
		}
	}
	return float64(count) / float64(len(pairs))
}

// collectAnomalousPairs builds one entry per Bijvoet pair (spec §3's
// glossary definition): for each acentric reflection present and
// accepted in both lists whose negation is also present and accepted in
// both lists, with the pair canonicalised to the lexicographically
// smaller of (idx, partner) so each Bijvoet pair contributes exactly once
// regardless of which member the caller's lists happened to store.
func collectAnomalousPairs(list1, list2 *reflist.List, uc cell.UnitCell, sym *miller.SymOpList, policy SelectionPolicy) []anomPair {
	var out []anomPair
	seen := make(map[miller.Index]bool)

	list1.ForEach(func(h1 *reflist.Reflection) bool {
		idx := h1.Index
		if seen[idx] || sym.IsCentric(idx) {
			return true
		}
		partner := sym.Asymmetric(idx.Negate())
		if partner == idx || seen[partner] {
			return true
		}

		h2, ok := list2.Find(idx)
		if !ok {
			return true
		}
		p1, ok := list1.Find(partner)
		if !ok {
			return true
		}
		p2, ok := list2.Find(partner)
		if !ok {
			return true
		}

		dstar := uc.Resolution(idx)
		I1, ok1 := policy.accept(h1, dstar)
		I2, ok2 := policy.accept(h2, dstar)
		I1b, ok3 := policy.accept(p1, dstar)
		I2b, ok4 := policy.accept(p2, dstar)
		if !(ok1 && ok2 && ok3 && ok4) {
			return true
		}

		seen[idx] = true
		seen[partner] = true
		out = append(out, anomPair{I1: I1, I2: I2, I1Bij: I1b, I2Bij: I2b, dstar: dstar})
		return true
	})

	return out
}

func computeAnomalous(list1, list2 *reflist.List, uc cell.UnitCell, shells []Shell, kind Kind, sym *miller.SymOpList, policy SelectionPolicy) (Report, error) {
	pairs := collectAnomalousPairs(list1, list2, uc, sym, policy)

	byShell := make([][]anomPair, len(shells))
	var inShells []anomPair
	for _, p := range pairs {
		if i := shellIndex(p.dstar, shells); i >= 0 {
			byShell[i] = append(byShell[i], p)
			inShells = append(inShells, p)
		}
	}

	report := Report{Kind: kind}
	for i, s := range shells {
		v := anomalousValue(kind, byShell[i])
		report.PerShell = append(report.PerShell, ShellResult{
			DStarMin: s.DStarMin, DStarMax: s.DStarMax, Value: v, NPairs: len(byShell[i]),
		})
	}
	report.Overall = anomalousValue(kind, inShells)
	report.OverallN = len(inShells)
	return report, nil
}

func anomalousValue(kind Kind, pairs []anomPair) float64 {
	n := len(pairs)
	if n == 0 {
		return 0
	}

	switch kind {
	case CCano:
		d1 := make([]float64, n)
		d2 := make([]float64, n)
		for i, p := range pairs {
			d1[i] = p.I1 - p.I1Bij
			d2[i] = p.I2 - p.I2Bij
		}
		if n < 2 {
			return 0
		}
		return stat.Correlation(d1, d2, nil)

	case CRDano:
		sum := make([]float64, n)
		diff := make([]float64, n)
		for i, p := range pairs {
			d1 := p.I1 - p.I1Bij
			d2 := p.I2 - p.I2Bij
			sum[i] = (d1 + d2) / math.Sqrt2
			diff[i] = (d1 - d2) / math.Sqrt2
		}
		if n < 2 {
			return 0
		}
		vSum := stat.Variance(sum, nil)
		vDiff := stat.Variance(diff, nil)
		if vDiff <= 0 {
			return 0
		}
		return math.Sqrt(vSum / vDiff)

	case Rano:
		return ranoValue(pairs)

	case RanoOverRsplit:
		ra := ranoValue(pairs)
		rs := rsplitOnAnomalousSelection(pairs)
		if rs == 0 {
			return 0
		}
		return ra / rs

	default:
		return 0
	}
}

func ranoValue(pairs []anomPair) float64 {
	n := len(pairs)
	num := make([]float64, n)
	den := make([]float64, n)
	for i, p := range pairs {
		mean := (p.I1 + p.I2) / 2
		meanBij := (p.I1Bij + p.I2Bij) / 2
		num[i] = math.Abs(mean - meanBij)
		den[i] = mean + meanBij
	}
	d := numeric.PairwiseSum(den)
	if d == 0 {
		return 0
	}
	return 2 * numeric.PairwiseSum(num) / d
}

// rsplitOnAnomalousSelection computes Rsplit over exactly the idx/partner
// observations that contributed to Rano, per spec §4.10's "Rano/Rsplit ...
// computed on the same selection".
func rsplitOnAnomalousSelection(pairs []anomPair) float64 {
	n := len(pairs) * 2
	flat := make([]pair, 0, n)
	for _, p := range pairs {
		flat = append(flat, pair{I1: p.I1, I2: p.I2})
		flat = append(flat, pair{I1: p.I1Bij, I2: p.I2Bij})
	}
	return rsplit(flat)
}

// WilsonScale fits the linear model log(I1/I2) = a + b*dstar^2 by
// ordinary least squares, returning the multiplicative scale exp(a) and
// resolution-dependent B-factor -2*b, the standard Wilson-plot scaling
// used to bring two intensity sets onto a common scale before FOM
// comparison (spec §9's Wilson-scaling reference in the ambient stack).
func WilsonScale(list1, list2 *reflist.List, uc cell.UnitCell) (scale, bFactor float64, err error) {
	var xs, ys []float64
	list1.ForEach(func(h1 *reflist.Reflection) bool {
		h2, ok := list2.Find(h1.Index)
		if !ok || h1.I <= 0 || h2.I <= 0 {
			return true
		}
		dstar := uc.Resolution(h1.Index)
		xs = append(xs, dstar*dstar)
		ys = append(ys, math.Log(h1.I/h2.I))
		return true
	})

	if len(xs) < 2 {
		return 1, 0, fmt.Errorf("fom: not enough common positive-intensity reflections for Wilson scaling")
	}

	a, b := linearFit(xs, ys)
	return math.Exp(a), -2 * b, nil
}

// linearFit solves y = a + b*x by ordinary least squares via a gonum/mat
// QR factorisation of the design matrix.
func linearFit(xs, ys []float64) (a, b float64) {
	n := len(xs)
	design := mat.NewDense(n, 2, nil)
	for i := range xs {
		design.Set(i, 0, 1)
		design.Set(i, 1, xs[i])
	}
	yVec := mat.NewVecDense(n, ys)

	var beta mat.VecDense
	qr := new(mat.QR)
	qr.Factorize(design)
	if err := qr.SolveVecTo(&beta, false, yVec); err != nil {
		return 0, 0
	}
	return beta.AtVec(0), beta.AtVec(1)
}
