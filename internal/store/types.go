// Package store persists merge-run checkpoints so a long-running merge
// job can resume after a restart (spec §6.3's checkpoint-interval option,
// SPEC_FULL.md §9.4).
package store

import (
	"fmt"
	"time"

	"github.com/crystfel-go/mergeengine/internal/config"
)

// CrystalState is the resumable per-crystal state: the quantities that
// scaling and post-refinement mutate. Reflection intensities are not
// checkpointed — they are re-read from the original crystal source and
// re-folded on resume, the same way the teacher's checkpoint held only
// fitted parameters, never the reference image pixels.
type CrystalState struct {
	ID string `json:"id"`

	CellA     float64 `json:"cell_a"`
	CellB     float64 `json:"cell_b"`
	CellC     float64 `json:"cell_c"`
	CellAlpha float64 `json:"cell_alpha"`
	CellBeta  float64 `json:"cell_beta"`
	CellGamma float64 `json:"cell_gamma"`
	OrientW   float64 `json:"orient_w"`
	OrientX   float64 `json:"orient_x"`
	OrientY   float64 `json:"orient_y"`
	OrientZ   float64 `json:"orient_z"`

	OSF           float64 `json:"osf"`
	ProfileRadius float64 `json:"profile_radius"`
	Bandwidth     float64 `json:"bandwidth"`

	Status int `json:"status"`
}

// MergedReflection is one entry of the checkpointed merged list: enough
// to resume scaling without re-summing every observation from scratch.
type MergedReflection struct {
	H          int32   `json:"h"`
	K          int32   `json:"k"`
	L          int32   `json:"l"`
	I          float64 `json:"i"`
	Sigma      float64 `json:"sigma"`
	Redundancy int     `json:"redundancy"`
}

// Checkpoint is a merge job's resumable state: which outer iteration it
// reached, the per-crystal fitted parameters, and the merged list as of
// that iteration.
type Checkpoint struct {
	// JobID is the unique identifier for this merge job.
	JobID string `json:"jobId"`

	// Iteration is the outer scale+refine cycle count reached so far.
	Iteration int `json:"iteration"`

	// Timestamp records when this checkpoint was created.
	Timestamp time.Time `json:"timestamp"`

	// Config holds the run configuration, needed for validation during
	// resume: changing symmetry or partiality model mid-run would
	// silently corrupt the per-crystal state below.
	Config config.Options `json:"config"`

	// SourcePath names the crystal source file to re-read on resume;
	// reflection intensities are reloaded from here rather than stored.
	SourcePath string `json:"sourcePath,omitempty"`

	Crystals []CrystalState     `json:"crystals"`
	Merged   []MergedReflection `json:"merged"`
}

// CheckpointInfo contains metadata about a checkpoint without the full
// per-crystal and merged-list payload.
type CheckpointInfo struct {
	JobID       string    `json:"jobId"`
	Iteration   int       `json:"iteration"`
	Timestamp   time.Time `json:"timestamp"`
	NumCrystals int       `json:"numCrystals"`
	NumMerged   int       `json:"numMerged"`
	Symmetry    string    `json:"symmetry"`
	Partiality  string    `json:"partialityModel"`
}

// NewCheckpoint creates a checkpoint from run state.
func NewCheckpoint(jobID string, iteration int, cfg config.Options, crystals []CrystalState, merged []MergedReflection) *Checkpoint {
	return &Checkpoint{
		JobID:     jobID,
		Iteration: iteration,
		Timestamp: time.Now(),
		Config:    cfg,
		Crystals:  crystals,
		Merged:    merged,
	}
}

// ToInfo converts a full Checkpoint to CheckpointInfo (metadata only).
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		JobID:       c.JobID,
		Iteration:   c.Iteration,
		Timestamp:   c.Timestamp,
		NumCrystals: len(c.Crystals),
		NumMerged:   len(c.Merged),
		Symmetry:    c.Config.Symmetry,
		Partiality:  c.Config.PartialityModel,
	}
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// Validate checks if the checkpoint has valid data, applying spec §7's
// fail-fast rule to resumable state rather than to input parsing.
func (c *Checkpoint) Validate() error {
	if c.JobID == "" {
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	}
	if c.Iteration < 0 {
		return &ValidationError{Field: "Iteration", Reason: "cannot be negative"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if err := c.Config.Validate(); err != nil {
		return &ValidationError{Field: "Config", Reason: err.Error()}
	}
	for i, cs := range c.Crystals {
		if cs.OSF <= 0 {
			return &ValidationError{Field: fmt.Sprintf("Crystals[%d].OSF", i), Reason: "must be positive"}
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}

// IsCompatible checks if this checkpoint can be resumed with the given
// config. Symmetry and partiality model determine the shape of the
// merged list and per-crystal state, so either changing across a resume
// would silently corrupt the run rather than merely change its behavior.
func (c *Checkpoint) IsCompatible(cfg config.Options) error {
	if c.Config.Symmetry != cfg.Symmetry {
		return &CompatibilityError{Field: "Symmetry", Expected: c.Config.Symmetry, Actual: cfg.Symmetry}
	}
	if c.Config.PartialityModel != cfg.PartialityModel {
		return &CompatibilityError{Field: "PartialityModel", Expected: c.Config.PartialityModel, Actual: cfg.PartialityModel}
	}
	return nil
}
