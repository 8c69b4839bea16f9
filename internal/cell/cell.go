// Package cell implements the unit cell in real and reciprocal space.
package cell

import (
	"fmt"
	"math"

	"github.com/crystfel-go/mergeengine/internal/miller"
)

// Vec3 is a Cartesian 3-vector, used for cell axes in metres.
type Vec3 [3]float64

func (v Vec3) Dot(o Vec3) float64 {
	return v[0]*o[0] + v[1]*o[1] + v[2]*o[2]
}

func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v[1]*o[2] - v[2]*o[1],
		v[2]*o[0] - v[0]*o[2],
		v[0]*o[1] - v[1]*o[0],
	}
}

func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v[0] * s, v[1] * s, v[2] * s}
}

func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]}
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]}
}

func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// DegenerateCellError is fatal for the whole run: surfaced before any
// iteration begins, per spec §7.
type DegenerateCellError struct {
	Reason string
}

func (e *DegenerateCellError) Error() string {
	return fmt.Sprintf("cell: degenerate unit cell: %s", e.Reason)
}

// UnitCell holds real-space axis vectors. It is immutable after
// construction (spec §4.2); all derived quantities (reciprocal axes,
// resolution) are computed on demand from A, B, C.
type UnitCell struct {
	A, B, C Vec3
}

// NewFromParameters builds a cell from six scalar parameters: lengths in
// metres, angles in radians. Axis a is placed along x; b in the xy-plane;
// c completed to match the given angles, following the standard
// crystallographic convention (a along x, b in the ab-plane).
func NewFromParameters(a, b, c, alpha, beta, gamma float64) (UnitCell, error) {
	if a <= 0 || b <= 0 || c <= 0 {
		return UnitCell{}, &DegenerateCellError{Reason: "non-positive axis length"}
	}

	av := Vec3{a, 0, 0}
	bv := Vec3{b * math.Cos(gamma), b * math.Sin(gamma), 0}

	cx := c * math.Cos(beta)
	cy := c * (math.Cos(alpha) - math.Cos(beta)*math.Cos(gamma)) / math.Sin(gamma)
	cz2 := c*c - cx*cx - cy*cy
	if cz2 <= 0 {
		return UnitCell{}, &DegenerateCellError{Reason: "angles inconsistent with positive cell volume"}
	}
	cv := Vec3{cx, cy, math.Sqrt(cz2)}

	return NewFromAxes(av, bv, cv)
}

// NewFromAxes builds a cell directly from three Cartesian axis vectors.
func NewFromAxes(a, b, c Vec3) (UnitCell, error) {
	uc := UnitCell{A: a, B: b, C: c}
	vol := uc.Volume()
	if vol <= 0 {
		return UnitCell{}, &DegenerateCellError{Reason: "non-positive cell volume (determinant <= 0)"}
	}
	return uc, nil
}

// Volume returns the real-space unit-cell volume, the scalar triple
// product a.(b x c). Must be strictly positive (spec §4.2 invariant).
func (u UnitCell) Volume() float64 {
	return u.A.Dot(u.B.Cross(u.C))
}

// Reciprocal returns the reciprocal-lattice axes a*, b*, c* in m^-1.
func (u UnitCell) Reciprocal() (astar, bstar, cstar Vec3) {
	vol := u.Volume()
	astar = u.B.Cross(u.C).Scale(1 / vol)
	bstar = u.C.Cross(u.A).Scale(1 / vol)
	cstar = u.A.Cross(u.B).Scale(1 / vol)
	return
}

// Resolution returns d*(h,k,l) = |h.a* + k.b* + l.c*| in m^-1.
func (u UnitCell) Resolution(idx miller.Index) float64 {
	astar, bstar, cstar := u.Reciprocal()
	v := astar.Scale(float64(idx.H)).Add(bstar.Scale(float64(idx.K))).Add(cstar.Scale(float64(idx.L)))
	return v.Norm()
}

// Quaternion is a unit quaternion (w, x, y, z) used to rotate cell axes.
type Quaternion struct {
	W, X, Y, Z float64
}

// Rotate applies the quaternion rotation to a single vector.
func (q Quaternion) Rotate(v Vec3) Vec3 {
	// v' = v + 2w(q_xyz x v) + 2(q_xyz x (q_xyz x v))
	qv := Vec3{q.X, q.Y, q.Z}
	t := qv.Cross(v).Scale(2)
	return v.Add(t.Scale(q.W)).Add(qv.Cross(t))
}

// Mul composes two quaternion rotations: applying q.Mul(o) to a vector is
// equivalent to applying o first, then q.
func (q Quaternion) Mul(o Quaternion) Quaternion {
	return Quaternion{
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
	}
}

// FromRotationVector builds the unit quaternion for the rotation whose
// axis is v/|v| and whose angle (radians) is |v|, via the standard
// exponential map. Used by post-refinement to turn a small-angle
// orientation correction (three free parameters) into a quaternion
// update (spec §4.8).
func FromRotationVector(v Vec3) Quaternion {
	angle := v.Norm()
	if angle == 0 {
		return Quaternion{W: 1}
	}
	axis := v.Scale(1 / angle)
	s := math.Sin(angle / 2)
	return Quaternion{W: math.Cos(angle / 2), X: axis[0] * s, Y: axis[1] * s, Z: axis[2] * s}
}

// Rotated returns a new cell with axes rotated by the unit quaternion R,
// per spec §4.2's cell_rotate operation.
func (u UnitCell) Rotated(r Quaternion) UnitCell {
	return UnitCell{
		A: r.Rotate(u.A),
		B: r.Rotate(u.B),
		C: r.Rotate(u.C),
	}
}

// Parameters recovers the six scalar cell parameters (lengths in metres,
// angles in radians) from the axis vectors.
func (u UnitCell) Parameters() (a, b, c, alpha, beta, gamma float64) {
	a = u.A.Norm()
	b = u.B.Norm()
	c = u.C.Norm()
	alpha = math.Acos(u.B.Dot(u.C) / (b * c))
	beta = math.Acos(u.A.Dot(u.C) / (a * c))
	gamma = math.Acos(u.A.Dot(u.B) / (a * b))
	return
}

// ApproxEqual reports whether two cells agree within the given relative
// tolerance on lengths and absolute tolerance (radians) on angles. This
// gives cell equality under lattice ambiguity per spec §3 without
// requiring byte-identical axis vectors (e.g. after independent indexing
// of the same crystal form in different orientations, but already brought
// to a common reduced setting by the caller).
func (u UnitCell) ApproxEqual(o UnitCell, relTol, angTol float64) bool {
	a1, b1, c1, al1, be1, ga1 := u.Parameters()
	a2, b2, c2, al2, be2, ga2 := o.Parameters()

	relClose := func(x, y float64) bool {
		if x == 0 || y == 0 {
			return math.Abs(x-y) < 1e-12
		}
		return math.Abs(x-y)/math.Max(x, y) < relTol
	}
	angClose := func(x, y float64) bool {
		return math.Abs(x-y) < angTol
	}

	return relClose(a1, a2) && relClose(b1, b2) && relClose(c1, c2) &&
		angClose(al1, al2) && angClose(be1, be2) && angClose(ga1, ga2)
}
