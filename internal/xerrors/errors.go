// Package xerrors defines the typed error taxonomy of spec §7, used at
// API boundaries where callers need errors.As/errors.Is instead of a
// bare fmt.Errorf string (SPEC_FULL.md §9.2).
package xerrors

import "fmt"

// InputError marks an unparseable crystal record, a duplicate cell within
// one crystal, or missing beam parameters. Fatal for that crystal only;
// processing continues for the rest of the stream.
type InputError struct {
	CrystalID string
	Reason    string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input error (crystal %s): %s", e.CrystalID, e.Reason)
}

// SolverFailedError marks a crystal whose least-squares or
// Levenberg-Marquardt subproblem could not be solved this iteration. The
// crystal is flagged and skipped for the current iteration only.
type SolverFailedError struct {
	CrystalID string
	Reason    string
}

func (e *SolverFailedError) Error() string {
	return fmt.Sprintf("solver failed (crystal %s): %s", e.CrystalID, e.Reason)
}

// ScalingFailedError marks an entire scaling pass as unusable (e.g. no
// scalable reflections at all). Fatal for the run.
type ScalingFailedError struct {
	Reason string
}

func (e *ScalingFailedError) Error() string {
	return fmt.Sprintf("scaling failed: %s", e.Reason)
}
