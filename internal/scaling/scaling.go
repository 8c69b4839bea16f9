// Package scaling solves for per-crystal overall scale factors (OSFs)
// and merged full intensities given current partialities, by iterative
// weighted least squares in log-scale-factor space (spec §4.7).
package scaling

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/crystfel-go/mergeengine/internal/crystal"
	"github.com/crystfel-go/mergeengine/internal/numeric"
	"github.com/crystfel-go/mergeengine/internal/reflist"
	"github.com/crystfel-go/mergeengine/internal/xerrors"
)

// PMin is the minimum partiality an observation must have to be included
// in scaling (spec §4.7 step 1).
const PMin = 0.05

// maxIterations caps the inner log-OSF <-> full-intensity loop.
const maxIterations = 100

// convergenceTol is the maximum change in log-OSF across crystals below
// which the inner loop is considered converged (spec §4.7 step 4).
const convergenceTol = 1e-5

// Options configures one call to Run.
type Options struct {
	NoScale         bool
	MinMeasurements int
	// Reference, if non-nil, restricts contributing observations to
	// reflections present in this externally supplied list.
	Reference *reflist.List
}

// observation is one (crystal, reflection) contribution to an asymmetric
// (h,k,l)'s merge.
type observation struct {
	crystalIdx int
	I          float64
	p          float64
	sigma      float64
}

// Run executes the algorithm of spec §4.7 over crystals, returning the
// merged reflection list keyed by asymmetric (h,k,l). Crystals whose
// per-crystal subproblem is ill-conditioned are flagged SolverFailed and
// excluded from the returned list but left untouched otherwise, so later
// iterations may recover them.
func Run(crystals []*crystal.Crystal, opt Options) (*reflist.List, error) {
	byHKL, obsByCrystal := collectObservations(crystals, opt)

	if len(byHKL) == 0 {
		return nil, &xerrors.ScalingFailedError{Reason: "no scalable reflections across any crystal"}
	}

	logOSF := make([]float64, len(crystals))
	for i, c := range crystals {
		if c.OSF <= 0 {
			c.OSF = 1.0
		}
		logOSF[i] = math.Log(c.OSF)
	}

	fullI := recomputeFull(byHKL, logOSF)

	if opt.NoScale {
		for i := range logOSF {
			logOSF[i] = 0
		}
		fullI = recomputeFull(byHKL, logOSF)
	} else {
		for iter := 0; iter < maxIterations; iter++ {
			maxDelta := solveLogOSF(crystals, obsByCrystal, fullI, logOSF)
			fullI = recomputeFull(byHKL, logOSF)
			if maxDelta < convergenceTol {
				slog.Debug("scaling converged", "inner_iteration", iter, "max_delta", maxDelta)
				break
			}
		}
	}

	// Drop observations of crystals flagged SolverFailed before the final merge.
	for key, obs := range byHKL {
		kept := obs[:0]
		for _, o := range obs {
			if crystals[o.crystalIdx].Status != crystal.StatusSolverFailed {
				kept = append(kept, o)
			}
		}
		if len(kept) == 0 {
			delete(byHKL, key)
		} else {
			byHKL[key] = kept
		}
	}
	fullI = recomputeFull(byHKL, logOSF)

	for i, c := range crystals {
		if c.Status == crystal.StatusSolverFailed {
			continue
		}
		c.OSF = math.Exp(logOSF[i])
	}

	return buildMergedList(byHKL, fullI, opt.MinMeasurements), nil
}

func collectObservations(crystals []*crystal.Crystal, opt Options) (map[reflistKey][]observation, map[int][]reflistKey) {
	byHKL := make(map[reflistKey][]observation)
	obsByCrystal := make(map[int][]reflistKey)

	for ci, c := range crystals {
		c.Reflections.ForEach(func(r *reflist.Reflection) bool {
			if !r.Scalable || r.Partiality < PMin {
				return true
			}
			if opt.Reference != nil {
				if _, ok := opt.Reference.Find(r.Index); !ok {
					return true
				}
			}
			key := reflistKey(r.Index)
			byHKL[key] = append(byHKL[key], observation{
				crystalIdx: ci,
				I:          r.I,
				p:          r.Partiality,
				sigma:      r.Sigma,
			})
			obsByCrystal[ci] = append(obsByCrystal[ci], key)
			return true
		})
	}
	return byHKL, obsByCrystal
}

// recomputeFull implements spec §4.7 step 3: hold OSFs fixed, recompute
// each F_hkl as the weighted mean of I_c / (OSF_c * p_c) over contributing
// crystals, using inverse-variance weights and pairwise summation so the
// result never depends on goroutine/iteration order (spec §5).
func recomputeFull(byHKL map[reflistKey][]observation, logOSF []float64) map[reflistKey]float64 {
	out := make(map[reflistKey]float64, len(byHKL))
	for key, obs := range byHKL {
		vals := make([]float64, len(obs))
		weights := make([]float64, len(obs))
		for i, o := range obs {
			osf := math.Exp(logOSF[o.crystalIdx])
			vals[i] = o.I / (osf * o.p)
			w := 1.0
			if o.sigma > 0 {
				w = 1.0 / (o.sigma * o.sigma)
			}
			weights[i] = w
		}
		out[key] = numeric.WeightedMean(vals, weights)
	}
	return out
}

// solveLogOSF implements spec §4.7 step 2: hold full intensities fixed,
// solve each crystal's log(OSF_c) by weighted least squares on
// log(I) - log(p) - log(F) = log(OSF_c). With a single scalar unknown
// per crystal this reduces to a weighted mean of the residuals, computed
// here via a 1-parameter normal-equations solve with gonum/mat so the
// same machinery generalises if a richer per-crystal scale model (e.g.
// resolution-dependent B-factor) is added later.
func solveLogOSF(crystals []*crystal.Crystal, obsByCrystal map[int][]reflistKey, fullI map[reflistKey]float64, logOSF []float64) float64 {
	var maxDelta float64
	for ci, c := range crystals {
		keys := obsByCrystal[ci]
		if len(keys) == 0 {
			c.Status = crystal.StatusSolverFailed
			continue
		}

		residuals := make([]float64, 0, len(keys))
		weights := make([]float64, 0, len(keys))

		c.Reflections.ForEach(func(r *reflist.Reflection) bool {
			if !r.Scalable || r.Partiality < PMin {
				return true
			}
			F, ok := fullI[reflistKey(r.Index)]
			if !ok || F <= 0 || r.I <= 0 || r.Partiality <= 0 {
				return true
			}
			resid := math.Log(r.I) - math.Log(r.Partiality) - math.Log(F)
			w := 1.0
			if r.Sigma > 0 {
				w = 1.0 / (r.Sigma * r.Sigma)
			}
			residuals = append(residuals, resid)
			weights = append(weights, w)
			return true
		})

		if len(residuals) == 0 {
			c.Status = crystal.StatusSolverFailed
			continue
		}

		newLog, ok := weightedScalarLSQ(residuals, weights)
		if !ok {
			c.Status = crystal.StatusSolverFailed
			continue
		}

		delta := math.Abs(newLog - logOSF[ci])
		if delta > maxDelta {
			maxDelta = delta
		}
		logOSF[ci] = newLog
		if c.Status == crystal.StatusSolverFailed {
			c.Status = crystal.StatusOK
		}
	}
	return maxDelta
}

// weightedScalarLSQ solves the 1-parameter weighted normal equation
// (A^T W A) x = A^T W b for A = ones(n,1), b = residuals, via gonum/mat.
// Returns ok=false if the normal matrix is singular (zero total weight).
func weightedScalarLSQ(b, w []float64) (float64, bool) {
	n := len(b)
	a := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		a.Set(i, 0, 1)
	}
	wMat := mat.NewDiagDense(n, w)

	var wa mat.Dense
	wa.Mul(wMat, a)

	var ata mat.Dense
	ata.Mul(a.T(), &wa)
	if ata.At(0, 0) == 0 {
		return 0, false
	}

	bVec := mat.NewVecDense(n, b)
	var wb mat.VecDense
	wb.MulVec(wMat, bVec)

	var atb mat.Dense
	atb.Mul(a.T(), &wb)

	return atb.At(0, 0) / ata.At(0, 0), true
}

// buildMergedList assembles the final merged list, dropping any F_hkl
// whose supporting observation count is below minMeasurements (spec §4.7
// step 5) and computing pooled sigma from the spread of contributions.
func buildMergedList(byHKL map[reflistKey][]observation, fullI map[reflistKey]float64, minMeasurements int) *reflist.List {
	out := reflist.New()
	for key, obs := range byHKL {
		if len(obs) < minMeasurements {
			continue
		}
		F := fullI[key]

		diffs := make([]float64, len(obs))
		for i, o := range obs {
			diffs[i] = o.I/o.p - F
		}
		variance := 0.0
		if len(diffs) > 1 {
			sumSq := numeric.PairwiseSum(squareAll(diffs))
			variance = sumSq / float64(len(diffs)-1) / float64(len(diffs))
		}

		h := out.Add(key.toIndex())
		h.I = F
		h.Redundancy = len(obs)
		h.Sigma = math.Sqrt(math.Max(variance, 0))
		h.Scalable = true
	}
	return out
}

func squareAll(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = x * x
	}
	return out
}
