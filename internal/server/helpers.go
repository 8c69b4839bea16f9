package server

import (
	"fmt"

	"github.com/crystfel-go/mergeengine/internal/cell"
	"github.com/crystfel-go/mergeengine/internal/crystal"
	"github.com/crystfel-go/mergeengine/internal/store"
)

// applyCheckpointStates overwrites the fitted parameters of freshly
// loaded crystals with a checkpoint's saved values, matched by ID.
// Reflection intensities come from the reloaded source; only the
// per-crystal geometry and scale fitted by previous iterations are
// restored, mirroring the teacher's "reinitialize transient state,
// restore fitted state" resume strategy.
func applyCheckpointStates(crystals []*crystal.Crystal, states []store.CrystalState) error {
	byID := make(map[string]store.CrystalState, len(states))
	for _, s := range states {
		byID[s.ID] = s
	}

	for _, c := range crystals {
		s, ok := byID[c.ID]
		if !ok {
			continue
		}
		uc, err := cell.NewFromParameters(s.CellA, s.CellB, s.CellC, s.CellAlpha, s.CellBeta, s.CellGamma)
		if err != nil {
			return fmt.Errorf("server: checkpoint cell for crystal %q: %w", c.ID, err)
		}
		c.Cell = uc
		c.Orientation = cell.Quaternion{W: s.OrientW, X: s.OrientX, Y: s.OrientY, Z: s.OrientZ}
		c.OSF = s.OSF
		c.ProfileRadius = s.ProfileRadius
		c.Bandwidth = s.Bandwidth
		c.Status = crystal.Status(s.Status)
	}
	return nil
}
