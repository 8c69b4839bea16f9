package scaling

import (
	"math"
	"testing"

	"github.com/crystfel-go/mergeengine/internal/cell"
	"github.com/crystfel-go/mergeengine/internal/crystal"
	"github.com/crystfel-go/mergeengine/internal/miller"
)

func mustCell(t *testing.T) cell.UnitCell {
	t.Helper()
	uc, err := cell.NewFromParameters(50, 60, 70, 90, 90, 90)
	if err != nil {
		t.Fatalf("NewFromParameters: %v", err)
	}
	return uc
}

// buildCrystal constructs a crystal with unity partiality whose observed
// intensities are trueScale*trueF for every index in idxs.
func buildCrystal(t *testing.T, id string, trueScale float64, trueF map[miller.Index]float64, idxs []miller.Index) *crystal.Crystal {
	t.Helper()
	c := crystal.New(id, mustCell(t))
	for _, idx := range idxs {
		r := c.Reflections.Add(idx)
		r.I = trueScale * trueF[idx]
		r.Sigma = 1.0
		r.Partiality = 1.0
		r.Scalable = true
	}
	return c
}

func TestRunRecoversScaleFactors(t *testing.T) {
	idxs := []miller.Index{{H: 1, K: 0, L: 0}, {H: 0, K: 1, L: 0}, {H: 0, K: 0, L: 1}, {H: 1, K: 1, L: 0}}
	trueF := map[miller.Index]float64{
		idxs[0]: 100,
		idxs[1]: 200,
		idxs[2]: 50,
		idxs[3]: 10,
	}

	crystals := []*crystal.Crystal{
		buildCrystal(t, "c1", 1.0, trueF, idxs),
		buildCrystal(t, "c2", 2.0, trueF, idxs),
		buildCrystal(t, "c3", 0.5, trueF, idxs),
	}

	merged, err := Run(crystals, Options{MinMeasurements: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if merged.Count() != len(idxs) {
		t.Fatalf("expected %d merged reflections, got %d", len(idxs), merged.Count())
	}

	// The scale/intensity split has an inherent gauge freedom (OSF_c and
	// F_hkl can be rescaled by inverse constants without changing any
	// predicted observation), so only ratios across reflections are
	// determined by the data; check those against the synthetic ratios.
	ref, ok := merged.Find(idxs[0])
	if !ok {
		t.Fatalf("missing merged reflection %v", idxs[0])
	}
	for _, idx := range idxs[1:] {
		h, ok := merged.Find(idx)
		if !ok {
			t.Fatalf("missing merged reflection %v", idx)
		}
		got := h.I / ref.I
		want := trueF[idx] / trueF[idxs[0]]
		if math.Abs(got-want) > 1e-6*want {
			t.Errorf("index %v: F ratio to ref = %v, want %v", idx, got, want)
		}
	}

	// Recovered per-crystal OSFs should match the synthetic scale factors
	// up to an overall normalisation (the system is scale-invariant: only
	// ratios of OSFs and F are determined).
	ratio := crystals[1].OSF / crystals[0].OSF
	if math.Abs(ratio-2.0) > 1e-4 {
		t.Errorf("OSF ratio c2/c1 = %v, want 2.0", ratio)
	}
	ratio = crystals[2].OSF / crystals[0].OSF
	if math.Abs(ratio-0.5) > 1e-4 {
		t.Errorf("OSF ratio c3/c1 = %v, want 0.5", ratio)
	}
}

func TestRunNoScaleHoldsOSFAtOne(t *testing.T) {
	idxs := []miller.Index{{H: 1, K: 0, L: 0}}
	trueF := map[miller.Index]float64{idxs[0]: 42}
	crystals := []*crystal.Crystal{
		buildCrystal(t, "c1", 1.0, trueF, idxs),
		buildCrystal(t, "c2", 1.0, trueF, idxs),
	}

	merged, err := Run(crystals, Options{NoScale: true, MinMeasurements: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, c := range crystals {
		if c.OSF != 1.0 {
			t.Errorf("crystal %s: OSF = %v, want 1.0 under NoScale", c.ID, c.OSF)
		}
	}

	h, ok := merged.Find(idxs[0])
	if !ok {
		t.Fatal("missing merged reflection")
	}
	if math.Abs(h.I-42) > 1e-9 {
		t.Errorf("merged F = %v, want 42", h.I)
	}
}

func TestRunDropsBelowMinMeasurements(t *testing.T) {
	shared := miller.Index{H: 1, K: 0, L: 0}
	onlyOne := miller.Index{H: 0, K: 1, L: 0}
	trueF := map[miller.Index]float64{shared: 10, onlyOne: 20}

	c1 := buildCrystal(t, "c1", 1.0, trueF, []miller.Index{shared, onlyOne})
	c2 := buildCrystal(t, "c2", 1.0, trueF, []miller.Index{shared})

	merged, err := Run([]*crystal.Crystal{c1, c2}, Options{MinMeasurements: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := merged.Find(shared); !ok {
		t.Error("expected shared reflection (redundancy 2) to survive")
	}
	if _, ok := merged.Find(onlyOne); ok {
		t.Error("expected singly-observed reflection to be dropped under MinMeasurements=2")
	}
}

func TestRunNoScalableReflectionsFails(t *testing.T) {
	c := crystal.New("empty", mustCell(t))
	_, err := Run([]*crystal.Crystal{c}, Options{MinMeasurements: 1})
	if err == nil {
		t.Fatal("expected ScalingFailedError for crystal set with no scalable reflections")
	}
}
