// Package partiality implements the swappable partiality models of spec
// §4.6: a pure per-reflection prediction function plus a crystal-wide
// refresh operation used by post-refinement. Mirrors the teacher's
// backend-factory pattern (fit/renderer/backend.go's NewRendererForBackend)
// generalised from an image-rendering backend choice to a physics-model
// choice — same shape, different domain.
package partiality

import (
	"fmt"
	"math"
	"strings"

	"github.com/crystfel-go/mergeengine/internal/cell"
	"github.com/crystfel-go/mergeengine/internal/crystal"
	"github.com/crystfel-go/mergeengine/internal/miller"
	"github.com/crystfel-go/mergeengine/internal/reflist"
)

// Kind identifies a partiality model implementation.
type Kind string

const (
	KindUnity  Kind = "unity"
	KindSphere Kind = "sphere"
)

// ErrUnknownModel is returned by NewModel for an unrecognised Kind.
var ErrUnknownModel = fmt.Errorf("partiality: unknown model")

// Prediction is the output of evaluating a model at one (h,k,l): the
// predicted partiality, Lorentz factor, and residual detector position.
type Prediction struct {
	Partiality float64
	Lorentz    float64
	ResidFast  float64
	ResidSlow  float64
}

// UpdateResult summarises the effect of refreshing every reflection's
// partiality for a crystal's current geometric parameters (spec §4.6).
type UpdateResult struct {
	Gained       int
	Lost         int
	MeanPChange  float64
}

// Model is a pure function of (crystal, hkl) plus a crystal-wide refresh
// operation, dispatched through a small interface — the inner loop
// touches it once per reflection, so the indirection cost is negligible
// (SPEC_FULL.md §9, REDESIGN FLAGS).
type Model interface {
	Kind() Kind
	// Predict evaluates the model at a single Miller index.
	Predict(c *crystal.Crystal, idx miller.Index) Prediction
	// UpdatePartialities refreshes every reflection in c's list in place.
	UpdatePartialities(c *crystal.Crystal) UpdateResult
}

// NewModel constructs the named model.
func NewModel(name string) (Model, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(name))) {
	case KindUnity, "":
		return Unity{}, nil
	case KindSphere:
		return Sphere{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
}

// Unity is the trivial partiality model: p is identically 1, so
// UpdatePartialities and post-refinement are both no-ops and merging
// reduces to plain Monte-Carlo averaging over shots (spec §4.6).
type Unity struct{}

func (Unity) Kind() Kind { return KindUnity }

func (Unity) Predict(c *crystal.Crystal, idx miller.Index) Prediction {
	return Prediction{Partiality: 1, Lorentz: 1}
}

func (Unity) UpdatePartialities(c *crystal.Crystal) UpdateResult {
	return UpdateResult{}
}

// Sphere models partiality as the volume fraction of a reflection's
// reciprocal-lattice point, approximated as a ball of radius
// ProfileRadius, intersected by the Ewald sphere-shell of half-thickness
// set by the crystal's bandwidth and mosaicity. The closed form below
// follows the standard "two intersecting spheres" volume formula applied
// to the excitation-error geometry: let r be the profile radius and let
// e be the reflection's excitation error (the signed distance from its
// rotated reciprocal-lattice point to the Ewald sphere surface), and let
// dk be the shell half-thickness. The fraction of the ball within
// [-dk, dk] of the sphere surface, linearised over the small angular
// range relevant to a single shot, reduces to a 1-D profile integral
// across the ball's chord:
//
//	p = clamp((dk - e + r) / (2r), 0, 1)    when |e| < r + dk
//
// which is the fraction of the ball's diameter lying inside the shell
// band when treating the shell as locally planar (valid since dk, r <<
// the Ewald sphere radius k for hard X-ray wavelengths).
type Sphere struct{}

func (Sphere) Kind() Kind { return KindSphere }

// beamAxis is the incident-beam direction in the lab frame that the
// crystal's Orientation quaternion is expressed against; the Ewald
// sphere is centred at -k along this axis so that it passes through the
// reciprocal-space origin.
var beamAxis = cell.Vec3{0, 0, 1}

func (Sphere) Predict(c *crystal.Crystal, idx miller.Index) Prediction {
	if c.ProfileRadius <= 0 || c.Wavelength <= 0 {
		return Prediction{Partiality: 0, Lorentz: 1}
	}

	lab := c.Cell.Rotated(c.Orientation)
	astar, bstar, cstar := lab.Reciprocal()
	g := astar.Scale(float64(idx.H)).Add(bstar.Scale(float64(idx.K))).Add(cstar.Scale(float64(idx.L)))
	dstar := g.Norm()
	k := 1 / c.Wavelength

	// Excitation error: distance from g to the Ewald sphere surface,
	// computed from g's position in the lab frame after applying the
	// crystal's current orientation. Two reflections at identical
	// resolution (|g|) generally sit at different distances from the
	// sphere once rotated, since the sphere is fixed in the lab frame
	// while g rotates with the crystal; this is what lets
	// post-refinement's orientation parameters actually move the cost
	// surface.
	center := beamAxis.Scale(-k)
	e := g.Sub(center).Norm() - k

	dk := k * (c.Bandwidth/2 + c.Mosaicity*dstar)
	r := c.ProfileRadius

	var p float64
	switch {
	case math.Abs(e) >= r+dk:
		p = 0
	default:
		p = (dk - e + r) / (2 * r)
		if p < 0 {
			p = 0
		} else if p > 1 {
			p = 1
		}
	}

	lorentz := 1.0
	if sinTheta := dstar * c.Wavelength / 2; sinTheta > 0 && sinTheta < 1 {
		lorentz = 1 / math.Sin(2*math.Asin(sinTheta))
	}

	return Prediction{Partiality: p, Lorentz: lorentz}
}

func (s Sphere) UpdatePartialities(c *crystal.Crystal) UpdateResult {
	var gained, lost int
	var sumChange float64
	var nBoth int

	c.Reflections.ForEach(func(r *reflist.Reflection) bool {
		before := r.Partiality
		wasPresent := before > 0

		pred := s.Predict(c, r.Index)
		r.Partiality = pred.Partiality
		r.Lorentz = pred.Lorentz

		nowPresent := pred.Partiality > 0
		switch {
		case nowPresent && !wasPresent:
			gained++
		case !nowPresent && wasPresent:
			lost++
		case nowPresent && wasPresent:
			sumChange += math.Abs(pred.Partiality - before)
			nBoth++
		}
		return true
	})

	result := UpdateResult{Gained: gained, Lost: lost}
	if nBoth > 0 {
		result.MeanPChange = sumChange / float64(nBoth)
	}
	return result
}
