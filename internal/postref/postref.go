// Package postref implements per-crystal Levenberg-Marquardt
// post-refinement (spec §4.8): adjusting each crystal's orientation, an
// isotropic cell strain, profile radius and bandwidth so its
// predicted partialities best match a reference set of full intensities.
//
// gonum provides the matrix primitives (normal equations, Cholesky solve)
// but not an off-the-shelf Levenberg-Marquardt solver, so the damped
// Gauss-Newton iteration itself is hand-rolled here following the
// standard trust-region formulation; this mirrors how the teacher
// implements its own convergence-tracked iterative solver in
// fit/optimize rather than reaching for a missing library (SPEC_FULL.md
// §4).
package postref

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/crystfel-go/mergeengine/internal/cell"
	"github.com/crystfel-go/mergeengine/internal/crystal"
	"github.com/crystfel-go/mergeengine/internal/miller"
	"github.com/crystfel-go/mergeengine/internal/partiality"
	"github.com/crystfel-go/mergeengine/internal/reflist"
	"github.com/crystfel-go/mergeengine/internal/xerrors"
)

// numParams is the refined parameter count: 3 orientation components
// (rotation-vector), 1 isotropic cell strain, profile radius, bandwidth.
const numParams = 6

// MinRefinable is the minimum number of refinable reflections required to
// attempt a refinement; below this the normal equations are
// under-determined and the crystal is flagged NoRefinement instead.
const MinRefinable = numParams + 4

// SigmaCutoff is the I/sigma(I) threshold used to mark reflections
// refinable when using the running merge as its own reference (spec
// §4.8's "reference" selection criterion).
const SigmaCutoff = 3.0

// MinRedundancy is the reference redundancy threshold paired with
// SigmaCutoff.
const MinRedundancy = 2

// Options configures one call to Refine.
type Options struct {
	MaxIterations int
	// ExternalReference marks that Reference came from a user-supplied
	// file rather than the running merge, relaxing the I/sigma and
	// redundancy gates (spec §4.8).
	ExternalReference bool
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 50
	}
	return o
}

// SelectRefinable marks each of c's reflections Refinable according to
// spec §4.8: the reflection must already be Scalable, must fold to an
// entry present in ref, and (unless using an external reference) that
// entry must have I/sigma(I) >= SigmaCutoff and redundancy >= MinRedundancy.
// Returns the number of reflections marked refinable.
func SelectRefinable(c *crystal.Crystal, ref *reflist.List, sym *miller.SymOpList, opt Options) int {
	count := 0
	c.Reflections.ForEach(func(r *reflist.Reflection) bool {
		r.Refinable = false
		if !r.Scalable {
			return true
		}
		asym := sym.Asymmetric(r.Index)
		h, ok := ref.Find(asym)
		if !ok {
			return true
		}
		if !opt.ExternalReference {
			if h.Sigma <= 0 || math.Abs(h.I)/h.Sigma < SigmaCutoff || h.Redundancy < MinRedundancy {
				return true
			}
		}
		r.Refinable = true
		count++
		return true
	})
	return count
}

// observation is one refinable reflection bound to its reference full
// intensity.
type observation struct {
	idx   miller.Index
	Iobs  float64
	sigma float64
	Fref  float64
}

// Refine runs damped Gauss-Newton (Levenberg-Marquardt) iteration on c's
// geometric parameters to best match its refinable reflections against
// ref. On success it updates c.Cell, c.Orientation, c.ProfileRadius and
// c.Bandwidth in place (c.Mosaicity is not refined), refreshes every reflection's
// partiality via model, and sets c.Status = StatusOK. A crystal with too
// few refinable reflections is left untouched with
// c.Status = StatusNoRefinement (not an error: it may accumulate more
// redundancy in a later iteration). A non-converging or singular solve
// returns SolverFailedError and sets c.Status = StatusSolverFailed. On
// success, the returned partiality.UpdateResult reports how many
// reflections gained or lost nonzero partiality under the refined
// geometry, which callers use to detect the "lost more than half its
// scalable reflections" condition of spec §4.8.
func Refine(c *crystal.Crystal, ref *reflist.List, sym *miller.SymOpList, model partiality.Model, opt Options) (partiality.UpdateResult, error) {
	opt = opt.withDefaults()

	c.ScalableBefore = c.CountScalable()

	// Unity's partiality is constant, so its cost surface has zero
	// gradient everywhere: running the optimizer would either no-op or,
	// worse, wander on floating-point noise. Short-circuit instead of
	// relying on convergence, so "post-refinement is a no-op" (spec
	// §4.6) holds exactly rather than approximately.
	if model.Kind() == partiality.KindUnity {
		c.Status = crystal.StatusOK
		return partiality.UpdateResult{}, nil
	}

	obs := gatherObservations(c, ref, sym)
	if len(obs) < MinRefinable {
		c.Status = crystal.StatusNoRefinement
		return partiality.UpdateResult{}, nil
	}

	x := mat.NewVecDense(numParams, nil)
	// x[4], x[5] start at the crystal's current profile radius and
	// bandwidth rather than zero, since those are physical scales, not
	// small corrections around zero like the rotation vector and strain.
	x.SetVec(4, c.ProfileRadius)
	x.SetVec(5, c.Bandwidth)

	lambda := 1e-3
	cost := evalCost(c, obs, x, model)

	for iter := 0; iter < opt.MaxIterations; iter++ {
		residuals, jac := evalResidualsJacobian(c, obs, x, model)
		jtj, jtr := normalEquations(jac, residuals)

		accepted := false
		for tries := 0; tries < 12; tries++ {
			damped := dampedNormalMatrix(jtj, lambda)

			var chol mat.Cholesky
			if !chol.Factorize(damped) {
				lambda *= 10
				continue
			}

			var delta mat.VecDense
			if err := chol.SolveVecTo(&delta, jtr); err != nil {
				lambda *= 10
				continue
			}

			// delta solves (JᵀJ)·delta = Jᵀr, so the Gauss-Newton step
			// that reduces the residual is x - delta.
			trial := mat.NewVecDense(numParams, nil)
			trial.SubVec(x, &delta)
			// Clamp physical-scale parameters away from non-positive
			// values that make the partiality model degenerate.
			if trial.AtVec(4) <= 0 || trial.AtVec(5) <= 0 {
				lambda *= 10
				continue
			}

			trialCost := evalCost(c, obs, trial, model)
			if trialCost < cost {
				x = trial
				cost = trialCost
				lambda = math.Max(lambda/10, 1e-12)
				accepted = true
				break
			}
			lambda *= 10
		}

		if !accepted {
			c.Status = crystal.StatusSolverFailed
			return partiality.UpdateResult{}, &xerrors.SolverFailedError{CrystalID: c.ID, Reason: "Levenberg-Marquardt step rejected at all trust-region radii"}
		}

		if vecNorm(residuals) < 1e-10 {
			break
		}
	}

	applyParams(c, x)
	ur := model.UpdatePartialities(c)
	c.Status = crystal.StatusOK
	return ur, nil
}

func gatherObservations(c *crystal.Crystal, ref *reflist.List, sym *miller.SymOpList) []observation {
	var obs []observation
	c.Reflections.ForEach(func(r *reflist.Reflection) bool {
		if !r.Refinable {
			return true
		}
		asym := sym.Asymmetric(r.Index)
		h, ok := ref.Find(asym)
		if !ok || r.Partiality <= 0 {
			return true
		}
		sigma := r.Sigma
		if sigma <= 0 {
			sigma = 1
		}
		obs = append(obs, observation{idx: r.Index, Iobs: r.I, sigma: sigma, Fref: h.I})
		return true
	})
	return obs
}

// trialCrystal builds a throwaway crystal sharing no reflection state,
// with geometric parameters taken from x, used only to evaluate
// Predict() at candidate parameter values without mutating c.
func trialCrystal(c *crystal.Crystal, x *mat.VecDense) *crystal.Crystal {
	dq := cell.FromRotationVector(cell.Vec3{x.AtVec(0), x.AtVec(1), x.AtVec(2)})
	strain := 1 + x.AtVec(3)

	strained := cell.UnitCell{
		A: c.Cell.A.Scale(strain),
		B: c.Cell.B.Scale(strain),
		C: c.Cell.C.Scale(strain),
	}

	return &crystal.Crystal{
		ID:            c.ID,
		Cell:          strained,
		Orientation:   dq.Mul(c.Orientation),
		OSF:           c.OSF,
		ProfileRadius: x.AtVec(4),
		Mosaicity:     c.Mosaicity,
		Divergence:    c.Divergence,
		Bandwidth:     x.AtVec(5),
		Wavelength:    c.Wavelength,
	}
}

// residual for one observation: weighted difference between the
// predicted and reference partial intensity.
func residualAt(tc *crystal.Crystal, model partiality.Model, o observation) float64 {
	p := model.Predict(tc, o.idx).Partiality
	pred := p * o.Fref
	return (o.Iobs - pred) / o.sigma
}

func evalCost(c *crystal.Crystal, obs []observation, x *mat.VecDense, model partiality.Model) float64 {
	tc := trialCrystal(c, x)
	var sum float64
	for _, o := range obs {
		r := residualAt(tc, model, o)
		sum += r * r
	}
	return sum
}

// evalResidualsJacobian evaluates the residual vector and its Jacobian
// with respect to x via central finite differences, against the same
// model Refine was called with. Analytic derivatives of the geometric
// partiality models are piecewise (clamped) and not worth
// hand-differentiating given the modest per-crystal problem size.
func evalResidualsJacobian(c *crystal.Crystal, obs []observation, x *mat.VecDense, model partiality.Model) (*mat.VecDense, *mat.Dense) {
	n := len(obs)

	base := make([]float64, n)
	tc := trialCrystal(c, x)
	for i, o := range obs {
		base[i] = residualAt(tc, model, o)
	}

	jac := mat.NewDense(n, numParams, nil)
	for p := 0; p < numParams; p++ {
		h := stepSize(p, x.AtVec(p))

		xPlus := copyVec(x)
		xPlus.SetVec(p, x.AtVec(p)+h)
		tcPlus := trialCrystal(c, xPlus)

		xMinus := copyVec(x)
		xMinus.SetVec(p, x.AtVec(p)-h)
		tcMinus := trialCrystal(c, xMinus)

		for i, o := range obs {
			rp := residualAt(tcPlus, model, o)
			rm := residualAt(tcMinus, model, o)
			jac.Set(i, p, (rp-rm)/(2*h))
		}
	}

	return mat.NewVecDense(n, base), jac
}

func stepSize(paramIdx int, value float64) float64 {
	switch paramIdx {
	case 4, 5: // physical-scale parameters: relative step
		if value == 0 {
			return 1e-9
		}
		return value * 1e-6
	default: // rotation-vector components and strain: absolute step
		return 1e-7
	}
}

// normalEquations forms J^T J (as a Symmetric, required by mat.Cholesky)
// and J^T r directly from the Jacobian, rather than via mat.Dense.Mul,
// since Cholesky.Factorize requires a mat.Symmetric and a plain Dense
// product cannot be asserted into one.
func normalEquations(jac *mat.Dense, residuals *mat.VecDense) (*mat.SymDense, *mat.VecDense) {
	n, p := jac.Dims()

	data := make([]float64, p*p)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			var s float64
			for k := 0; k < n; k++ {
				s += jac.At(k, i) * jac.At(k, j)
			}
			data[i*p+j] = s
			data[j*p+i] = s
		}
	}
	jtj := mat.NewSymDense(p, data)

	jtr := mat.NewVecDense(p, nil)
	for i := 0; i < p; i++ {
		var s float64
		for k := 0; k < n; k++ {
			s += jac.At(k, i) * residuals.AtVec(k)
		}
		jtr.SetVec(i, s)
	}

	return jtj, jtr
}

func copyVec(v *mat.VecDense) *mat.VecDense {
	n := v.Len()
	data := make([]float64, n)
	for i := 0; i < n; i++ {
		data[i] = v.AtVec(i)
	}
	return mat.NewVecDense(n, data)
}

func dampedNormalMatrix(jtj *mat.SymDense, lambda float64) *mat.SymDense {
	n := jtj.SymmetricDim()
	data := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			data[i*n+j] = jtj.At(i, j)
		}
	}
	for i := 0; i < n; i++ {
		data[i*n+i] *= 1 + lambda
	}
	return mat.NewSymDense(n, data)
}

func vecNorm(v *mat.VecDense) float64 {
	n := v.Len()
	var sum float64
	for i := 0; i < n; i++ {
		val := v.AtVec(i)
		sum += val * val
	}
	return math.Sqrt(sum)
}

func applyParams(c *crystal.Crystal, x *mat.VecDense) {
	tc := trialCrystal(c, x)
	c.Cell = tc.Cell
	c.Orientation = tc.Orientation
	c.ProfileRadius = tc.ProfileRadius
	c.Bandwidth = tc.Bandwidth
}
