package polarisation

import (
	"math"
	"testing"

	"github.com/crystfel-go/mergeengine/internal/cell"
	"github.com/crystfel-go/mergeengine/internal/crystal"
	"github.com/crystfel-go/mergeengine/internal/miller"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) < tol
}

func TestFactorUnpolarisedAtZeroAngle(t *testing.T) {
	p := Factor(Unpolarised, 0, 0)
	if !almostEqual(p, 1, 1e-12) {
		t.Errorf("Factor at theta=phi=0 = %v, want 1", p)
	}
}

func TestFactorLinearDependsOnAzimuth(t *testing.T) {
	theta := math.Pi / 6
	inPlane := Factor(Linear, theta, 0)
	outOfPlane := Factor(Linear, theta, math.Pi/2)
	if almostEqual(inPlane, outOfPlane, 1e-9) {
		t.Error("linear polarisation factor should depend on azimuth")
	}
}

func TestFactorWithinValidRange(t *testing.T) {
	for _, mode := range []Mode{Unpolarised, Linear} {
		for _, theta := range []float64{0, 0.1, 0.5, math.Pi / 4, math.Pi / 2} {
			for _, phi := range []float64{0, math.Pi / 4, math.Pi / 2, math.Pi} {
				p := Factor(mode, theta, phi)
				if p < 0 || p > 1.0001 {
					t.Errorf("Factor(%v, %v, %v) = %v out of [0,1]", mode, theta, phi, p)
				}
			}
		}
	}
}

func TestCorrectDividesIntensityAndSigmaByFactor(t *testing.T) {
	uc, err := cell.NewFromParameters(60e-10, 60e-10, 60e-10, math.Pi/2, math.Pi/2, math.Pi/2)
	if err != nil {
		t.Fatalf("NewFromParameters: %v", err)
	}
	c := crystal.New("x1", uc)
	c.Wavelength = 1e-10

	r := c.Reflections.Add(miller.Index{H: 1, K: 0, L: 0})
	r.I = 100
	r.Sigma = 10
	r.FastPos = 1
	r.SlowPos = 0

	dstar := uc.Resolution(r.Index)
	sinTheta := dstar * c.Wavelength / 2
	theta := math.Asin(sinTheta)
	phi := math.Atan2(r.SlowPos, r.FastPos)
	wantFactor := Factor(Unpolarised, theta, phi)

	Correct(c, Unpolarised)

	if !almostEqual(r.I, 100/wantFactor, 1e-6) {
		t.Errorf("I = %v, want %v", r.I, 100/wantFactor)
	}
	if !almostEqual(r.Sigma, 10/wantFactor, 1e-6) {
		t.Errorf("Sigma = %v, want %v", r.Sigma, 10/wantFactor)
	}
}

func TestCorrectLeavesNonPositiveFactorReflectionsUntouched(t *testing.T) {
	uc, err := cell.NewFromParameters(60e-10, 60e-10, 60e-10, math.Pi/2, math.Pi/2, math.Pi/2)
	if err != nil {
		t.Fatalf("NewFromParameters: %v", err)
	}
	c := crystal.New("x1", uc)
	c.Wavelength = 1e-10

	r := c.Reflections.Add(miller.Index{H: 1, K: 0, L: 0})
	r.I = 50
	r.Sigma = 5
	r.FastPos = 1
	r.SlowPos = 0

	// Pick lambda so sin(theta) = d*(hkl)*lambda/2 = sin(pi/4); at
	// phi=0 this makes cos(2*theta)=0 and sin(2*theta)=1, so
	// Factor(Linear, theta, 0) = 0.5*(1 - 1) = 0 and Correct must not
	// divide by it.
	c.Wavelength = math.Sin(math.Pi/4) * 2 * 60e-10

	Correct(c, Linear)
	if r.I != 50 || r.Sigma != 5 {
		t.Errorf("Correct modified a reflection whose polarisation factor is non-positive: I=%v Sigma=%v", r.I, r.Sigma)
	}
}
