// Package crystal defines the per-snapshot aggregate that flows through
// the whole pipeline: orientation, cell, beam parameters, its own
// reflection list, and a status flag (spec §3, §4.3 REDESIGN note).
package crystal

import (
	"github.com/crystfel-go/mergeengine/internal/cell"
	"github.com/crystfel-go/mergeengine/internal/reflist"
)

// Status is the tagged variant replacing the source's per-crystal "user
// flag" integer (SPEC_FULL.md §9, REDESIGN FLAGS).
type Status int

const (
	// StatusOK indicates the crystal is eligible for scaling and refinement.
	StatusOK Status = iota
	// StatusNoRefinement means too few refinable reflections remain.
	StatusNoRefinement
	// StatusSolverFailed means the scaling or post-refinement solver
	// could not converge for this crystal on the current iteration.
	StatusSolverFailed
	// StatusLost means refinement lost more than half its previously
	// scalable reflections.
	StatusLost
)

// Char renders the status as the single-character code used by the
// per-crystal parameter dump (spec §6.2): '-' for OK, 'N' otherwise.
func (s Status) Char() byte {
	if s == StatusOK {
		return '-'
	}
	return 'N'
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoRefinement:
		return "no-refinement"
	case StatusSolverFailed:
		return "solver-failed"
	case StatusLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Crystal is a per-snapshot aggregate, created once per successfully
// indexed snapshot, mutated by scaling and post-refinement, destroyed at
// program end (spec §3).
type Crystal struct {
	// ID optionally identifies the source snapshot (filename, event index).
	ID string

	Cell        cell.UnitCell
	Orientation cell.Quaternion

	OSF           float64 // overall scale factor, > 0
	ProfileRadius float64 // m^-1
	Mosaicity     float64
	Divergence    float64
	Bandwidth     float64
	Wavelength    float64 // lambda, metres

	Reflections *reflist.List

	Status Status

	// ScalableBefore records the count of scalable reflections at the
	// start of the current post-refinement attempt, used to detect the
	// "lost more than half" condition (spec §4.8).
	ScalableBefore int
}

// New creates a crystal with sane per-spec defaults (OSF=1, status OK).
func New(id string, uc cell.UnitCell) *Crystal {
	return &Crystal{
		ID:          id,
		Cell:        uc,
		Orientation: cell.Quaternion{W: 1},
		OSF:         1.0,
		Reflections: reflist.New(),
		Status:      StatusOK,
	}
}

// CountScalable returns the number of reflections currently flagged scalable.
func (c *Crystal) CountScalable() int {
	n := 0
	c.Reflections.ForEach(func(r *reflist.Reflection) bool {
		if r.Scalable {
			n++
		}
		return true
	})
	return n
}

// CountRefinable returns the number of reflections currently flagged refinable.
func (c *Crystal) CountRefinable() int {
	n := 0
	c.Reflections.ForEach(func(r *reflist.Reflection) bool {
		if r.Refinable {
			n++
		}
		return true
	})
	return n
}
