// Package polarisation applies the beam-polarisation intensity
// correction described in spec §4.4, using the Kahn et al. (1982)
// unified formula that covers both the unpolarised and linearly
// polarised cases with a single polarisation-fraction parameter.
package polarisation

import (
	"math"

	"github.com/crystfel-go/mergeengine/internal/crystal"
	"github.com/crystfel-go/mergeengine/internal/reflist"
)

// Mode selects the beam polarisation model.
type Mode int

const (
	// Unpolarised treats the beam as unpolarised (polarisation fraction 0).
	Unpolarised Mode = iota
	// Linear treats the beam as fully linearly polarised in the
	// horizontal plane (polarisation fraction 1), the common case for
	// synchrotron and XFEL sources with horizontal undulator polarisation.
	Linear
)

func (m Mode) fraction() float64 {
	if m == Linear {
		return 1.0
	}
	return 0.0
}

// Factor computes the Kahn polarisation factor for a reflection at
// scattering half-angle theta (radians, from Bragg's law) and azimuth
// phi (radians, angle between the scattering plane and the polarisation
// vector):
//
//	P = 0.5 * (1 + cos(2*theta)^2 - p*cos(2*phi)*sin(2*theta)^2)
func Factor(mode Mode, theta, phi float64) float64 {
	p := mode.fraction()
	cos2t := math.Cos(2 * theta)
	sin2t := math.Sin(2 * theta)
	return 0.5 * (1 + cos2t*cos2t - p*math.Cos(2*phi)*sin2t*sin2t)
}

// Correct divides every reflection's intensity and sigma by the
// polarisation factor implied by the crystal's wavelength and each
// reflection's detector position, exactly once, before the first scaling
// pass (spec §4.4). Scattering half-angle is recovered from Bragg's law,
// sin(theta) = d*(hkl) * lambda / 2; azimuth is the angle of the
// reflection's (FastPos, SlowPos) position about the beam centre, which
// callers are expected to have already expressed relative to the direct
// beam position (i.e. FastPos/SlowPos are offsets from the beam centre,
// not raw pixel coordinates).
func Correct(c *crystal.Crystal, mode Mode) {
	c.Reflections.ForEach(func(r *reflist.Reflection) bool {
		dstar := c.Cell.Resolution(r.Index)
		sinTheta := dstar * c.Wavelength / 2
		if sinTheta > 1 {
			sinTheta = 1
		} else if sinTheta < -1 {
			sinTheta = -1
		}
		theta := math.Asin(sinTheta)
		phi := math.Atan2(r.SlowPos, r.FastPos)

		p := Factor(mode, theta, phi)
		if p <= 0 {
			return true
		}
		r.I /= p
		r.Sigma /= p
		return true
	})
}
