// Package config holds the merge-driver options table (spec §6.3) as a
// plain struct, the boundary the cmd layer's cobra flags translate into
// before crossing into internal/merge — unlike the teacher, whose
// equivalent flag globals never needed to cross a package boundary
// (SPEC_FULL.md §9.3).
package config

import "fmt"

// Options mirrors spec §6.3's option table exactly, plus a small set of
// ambient additions (logging, checkpointing, tracing) needed to run this
// as a long-lived service rather than a one-shot batch tool.
type Options struct {
	// Iterations is the number of outer scale+refine cycles (default 10).
	Iterations int

	// NoScale holds all OSFs at 1.0, disabling scaling step 2.
	NoScale bool

	// ReferencePath, if set, names an external reflection list file used
	// as the scaling/refinement target instead of the running merge.
	ReferencePath string

	// PartialityModel selects "unity" or "sphere".
	PartialityModel string

	// MinMeasurements drops merged reflections below this redundancy.
	MinMeasurements int

	// Polarisation selects "none" or "linear"; §4.4 is applied before
	// scaling when this is not "none".
	Polarisation string

	// Symmetry is the point-group name used for asymmetric-unit folding.
	Symmetry string

	// Threads is the worker count for parallel post-refinement.
	Threads int

	// LogLevel is one of debug/info/warn/error.
	LogLevel string

	// CheckpointInterval, if > 0, is the number of seconds between
	// checkpoint saves for a background merge job.
	CheckpointInterval int

	// TraceEnabled turns on an iteration-by-iteration JSONL progress trace
	// (crystal counts, mean OSF, merged reflection count).
	TraceEnabled bool
}

// Default returns spec-documented defaults.
func Default() Options {
	return Options{
		Iterations:      10,
		PartialityModel: "unity",
		MinMeasurements: 1,
		Polarisation:    "none",
		Symmetry:        "1",
		Threads:         1,
		LogLevel:        "info",
	}
}

// Validate checks the option set for internally-inconsistent values
// before the driver begins its first iteration (cheap, fatal-up-front
// checks per spec §7's "surfaced before any iteration begins" rule for
// UnknownPointGroup/DegenerateCell-class errors).
func (o Options) Validate() error {
	if o.Iterations < 0 {
		return fmt.Errorf("config: iterations must be >= 0, got %d", o.Iterations)
	}
	if o.MinMeasurements < 0 {
		return fmt.Errorf("config: min-measurements must be >= 0, got %d", o.MinMeasurements)
	}
	if o.Threads < 1 {
		return fmt.Errorf("config: threads must be >= 1, got %d", o.Threads)
	}
	switch o.PartialityModel {
	case "unity", "sphere", "":
	default:
		return fmt.Errorf("config: unknown partiality model %q", o.PartialityModel)
	}
	switch o.Polarisation {
	case "none", "linear", "":
	default:
		return fmt.Errorf("config: unknown polarisation mode %q", o.Polarisation)
	}
	return nil
}
