package crystalio

import (
	"bufio"
	"fmt"
	"io"
	"math"

	"github.com/crystfel-go/mergeengine/internal/cell"
	"github.com/crystfel-go/mergeengine/internal/fom"
	"github.com/crystfel-go/mergeengine/internal/miller"
	"github.com/crystfel-go/mergeengine/internal/reflist"
)

// CompletenessRow is one resolution shell's measured-vs-possible count,
// the check_hkl-style supplement named in SPEC_FULL.md §11: the spec's
// own distillation dropped this report, but every complete CrystFEL-like
// merging tool ships one alongside its pairwise FOM tool.
type CompletenessRow struct {
	DStarMin, DStarMax float64
	Measured           int
	Possible           int
}

// Completeness enumerates every integer (h,k,l) whose resolution falls
// within [shells[0].DStarMin, shells[last].DStarMax], reduces each to its
// asymmetric-unit representative under sym, and compares the resulting
// possible-reflection count per shell against how many of those
// representatives are actually present (with Redundancy > 0) in merged.
func Completeness(merged *reflist.List, uc cell.UnitCell, sym *miller.SymOpList, shells []fom.Shell) []CompletenessRow {
	if len(shells) == 0 {
		return nil
	}
	dStarMax := shells[len(shells)-1].DStarMax

	astar, bstar, cstar := uc.Reciprocal()
	hMax := boundFor(astar, dStarMax)
	kMax := boundFor(bstar, dStarMax)
	lMax := boundFor(cstar, dStarMax)

	possibleSeen := make(map[miller.Index]bool)
	measuredSeen := make(map[miller.Index]bool)

	possibleByShell := make([]int, len(shells))
	measuredByShell := make([]int, len(shells))

	for h := -hMax; h <= hMax; h++ {
		for k := -kMax; k <= kMax; k++ {
			for l := -lMax; l <= lMax; l++ {
				if h == 0 && k == 0 && l == 0 {
					continue
				}
				idx := miller.Index{H: int32(h), K: int32(k), L: int32(l)}
				dstar := uc.Resolution(idx)
				shellIdx := shellOf(dstar, shells)
				if shellIdx < 0 {
					continue
				}

				rep := sym.Asymmetric(idx)
				if !possibleSeen[rep] {
					possibleSeen[rep] = true
					possibleByShell[shellIdx]++
				}

				if !measuredSeen[rep] {
					if entry, ok := merged.Find(rep); ok && entry.Redundancy > 0 {
						measuredSeen[rep] = true
						measuredByShell[shellIdx]++
					}
				}
			}
		}
	}

	rows := make([]CompletenessRow, len(shells))
	for i, s := range shells {
		rows[i] = CompletenessRow{
			DStarMin: s.DStarMin, DStarMax: s.DStarMax,
			Measured: measuredByShell[i], Possible: possibleByShell[i],
		}
	}
	return rows
}

func boundFor(axis cell.Vec3, dStarMax float64) int {
	norm := axis.Norm()
	if norm <= 0 {
		return 0
	}
	return int(math.Ceil(dStarMax / norm))
}

func shellOf(dstar float64, shells []fom.Shell) int {
	for i, s := range shells {
		last := i == len(shells)-1
		if dstar >= s.DStarMin && (dstar < s.DStarMax || last) {
			return i
		}
	}
	return -1
}

// WriteCompletenessReport renders rows as a check_hkl-style table.
func WriteCompletenessReport(w io.Writer, rows []CompletenessRow) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%-12s %-12s %9s %9s %8s\n", "d*_min", "d*_max", "measured", "possible", "complete"); err != nil {
		return err
	}
	for _, r := range rows {
		pct := 0.0
		if r.Possible > 0 {
			pct = 100 * float64(r.Measured) / float64(r.Possible)
		}
		if _, err := fmt.Fprintf(bw, "%-12f %-12f %9d %9d %7.1f%%\n", r.DStarMin, r.DStarMax, r.Measured, r.Possible, pct); err != nil {
			return err
		}
	}
	return bw.Flush()
}
