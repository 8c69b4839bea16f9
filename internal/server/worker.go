package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/crystfel-go/mergeengine/internal/crystal"
	"github.com/crystfel-go/mergeengine/internal/crystalio"
	"github.com/crystfel-go/mergeengine/internal/merge"
	"github.com/crystfel-go/mergeengine/internal/reflist"
	"github.com/crystfel-go/mergeengine/internal/store"
)

// runJob executes a merge job in the background. If checkpointStore is
// not nil and the job's CheckpointInterval > 0, periodic checkpoints are
// saved (spec §6.3).
func runJob(ctx context.Context, jm *JobManager, checkpointStore store.Store, jobID string) error {
	return runCrystals(ctx, jm, checkpointStore, jobID, nil)
}

// resumeJob reloads crystals from the checkpoint's source path, restores
// their fitted parameters, and continues the merge run. Outer iteration
// numbering is not carried over: the new driver counts from 1, so the
// job's Iteration shows the checkpoint's count only until the first
// progress report replaces it, and the final checkpoint records
// Config.Iterations.
func resumeJob(ctx context.Context, jm *JobManager, checkpointStore store.Store, jobID string, checkpoint *store.Checkpoint) error {
	return runCrystals(ctx, jm, checkpointStore, jobID, checkpoint.Crystals)
}

// runCrystals loads crystals from the job's source path, optionally
// restoring checkpointed fitted parameters onto them, then drives the
// merge to completion.
func runCrystals(ctx context.Context, jm *JobManager, checkpointStore store.Store, jobID string, priorStates []store.CrystalState) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	if err := jm.UpdateJob(jobID, func(j *Job) { j.State = StateRunning }); err != nil {
		return err
	}

	slog.Info("Starting job", "job_id", jobID, "source", job.SourcePath)

	crystals, err := loadCrystals(job.SourcePath)
	if err != nil {
		markJobFailed(jm, jobID, fmt.Errorf("failed to load crystal source: %w", err))
		return err
	}

	if priorStates != nil {
		if err := applyCheckpointStates(crystals, priorStates); err != nil {
			markJobFailed(jm, jobID, err)
			return err
		}
	}

	driver, err := merge.NewDriver(job.Config, crystals)
	if err != nil {
		markJobFailed(jm, jobID, fmt.Errorf("failed to build merge driver: %w", err))
		return err
	}

	if job.Config.ReferencePath != "" {
		reference, err := loadReferenceList(job.Config.ReferencePath)
		if err != nil {
			markJobFailed(jm, jobID, fmt.Errorf("failed to load reference list: %w", err))
			return err
		}
		driver.Reference = reference
	}

	if err := ctx.Err(); err != nil {
		markJobCancelled(jm, jobID)
		return err
	}

	jm.UpdateJob(jobID, func(j *Job) { j.NumCrystals = len(crystals) })

	progress := make(chan merge.IterationReport, 4)
	driver.Progress = progress

	checkpointDone := make(chan struct{})
	checkpointEnabled := checkpointStore != nil && job.Config.CheckpointInterval > 0
	if checkpointEnabled {
		go monitorCheckpoints(ctx, jm, checkpointStore, driver, jobID, checkpointDone)
	} else {
		close(checkpointDone)
	}

	var tracer *store.TraceWriter
	if job.Config.TraceEnabled {
		if fsStore, ok := checkpointStore.(*store.FSStore); ok {
			tw, err := store.NewTraceWriter(fsStore.BaseDir(), jobID, false)
			if err != nil {
				slog.Warn("Failed to open iteration trace", "job_id", jobID, "error", err)
			} else {
				tracer = tw
				defer tracer.Close()
			}
		}
	}

	consumeDone := make(chan struct{})
	go consumeProgress(jm, jobID, progress, tracer, consumeDone)

	start := time.Now()
	merged, runErr := driver.Run(ctx)

	close(progress)
	<-consumeDone
	close(checkpointDone)
	elapsed := time.Since(start)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			markJobCancelled(jm, jobID)
			return runErr
		}
		markJobFailed(jm, jobID, runErr)
		return runErr
	}

	endTime := time.Now()
	if err := jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.NumMerged = merged.Count()
		j.EndTime = &endTime
	}); err != nil {
		return err
	}

	job, _ = jm.GetJob(jobID)
	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", elapsed,
		"merged_reflections", merged.Count(),
		"mean_osf", job.MeanOSF,
	)

	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:       jobID,
		State:       StateCompleted,
		Iteration:   job.Iteration,
		NumCrystals: job.NumCrystals,
		MeanOSF:     job.MeanOSF,
		NumMerged:   merged.Count(),
		Timestamp:   time.Now(),
	})

	if checkpointStore != nil {
		if err := saveFinalCheckpoint(checkpointStore, driver, merged, jobID, job.SourcePath); err != nil {
			slog.Warn("Failed to save final checkpoint", "job_id", jobID, "error", err)
		}
	}

	return nil
}

// loadCrystals reads every crystal record from a JSONL crystal source.
func loadCrystals(path string) ([]*crystal.Crystal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src := crystalio.NewJSONLSource(f)
	var crystals []*crystal.Crystal
	for {
		c, err := src.NextCrystal()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		crystals = append(crystals, c)
	}
	return crystals, nil
}

// loadReferenceList reads an externally supplied merged reflection list.
func loadReferenceList(path string) (*reflist.List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return crystalio.ReadMergedList(f)
}

// consumeProgress drains the driver's progress channel, updating job
// state, broadcasting to SSE subscribers, and (if tracer is non-nil)
// appending an iteration trace entry for each completed iteration.
func consumeProgress(jm *JobManager, jobID string, progress <-chan merge.IterationReport, tracer *store.TraceWriter, done chan<- struct{}) {
	defer close(done)
	for report := range progress {
		if tracer != nil {
			entry := store.TraceEntry{
				Iteration:   report.Iteration,
				NumCrystals: report.NumCrystals,
				NumRefined:  report.NumRefined,
				NumFailed:   report.NumFailed,
				MeanOSF:     report.MeanOSF,
				NumMerged:   report.NumMerged,
				Timestamp:   time.Now(),
			}
			if err := tracer.Write(entry); err != nil {
				slog.Warn("Failed to write iteration trace entry", "job_id", jobID, "error", err)
			}
		}

		jm.UpdateJob(jobID, func(j *Job) {
			j.Iteration = report.Iteration
			j.NumCrystals = report.NumCrystals
			j.NumRefined = report.NumRefined
			j.NumNoRefine = report.NumNoRefine
			j.NumFailed = report.NumFailed
			j.NumLost = report.NumLost
			j.MeanOSF = report.MeanOSF
			j.NumMerged = report.NumMerged
		})

		jm.broadcaster.Broadcast(ProgressEvent{
			JobID:       jobID,
			State:       StateRunning,
			Iteration:   report.Iteration,
			NumCrystals: report.NumCrystals,
			NumRefined:  report.NumRefined,
			NumNoRefine: report.NumNoRefine,
			NumFailed:   report.NumFailed,
			NumLost:     report.NumLost,
			MeanOSF:     report.MeanOSF,
			NumMerged:   report.NumMerged,
			Timestamp:   time.Now(),
		})
	}
}

// markJobFailed marks a job as failed with an error message.
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled.
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	slog.Info("Job cancelled", "job_id", jobID)
}

// monitorCheckpoints periodically saves checkpoints during a merge run.
// Only per-crystal fitted parameters are captured mid-run; the merged
// list snapshot is filled in on the final checkpoint (see
// saveFinalCheckpoint), since intermediate merged lists are transient
// values inside driver.scale and not retained on the Driver itself.
func monitorCheckpoints(ctx context.Context, jm *JobManager, checkpointStore store.Store, driver *merge.Driver, jobID string, done chan struct{}) {
	interval := time.Duration(driver.Config.CheckpointInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := saveCheckpoint(jm, checkpointStore, driver, nil, jobID); err != nil {
				slog.Error("Failed to save checkpoint", "job_id", jobID, "error", err)
			}
		}
	}
}

// saveCheckpoint persists the current iteration's per-crystal state. A
// nil merged list omits the merged snapshot (used for periodic saves).
func saveCheckpoint(jm *JobManager, checkpointStore store.Store, driver *merge.Driver, merged *reflist.List, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	checkpoint := store.NewCheckpoint(jobID, job.Iteration, job.Config, crystalStates(driver.Crystals), mergedSnapshot(merged))
	checkpoint.SourcePath = job.SourcePath
	if err := checkpointStore.SaveCheckpoint(jobID, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	slog.Info("Checkpoint saved", "job_id", jobID, "iteration", job.Iteration, "num_crystals", len(checkpoint.Crystals))
	return nil
}

func saveFinalCheckpoint(checkpointStore store.Store, driver *merge.Driver, merged *reflist.List, jobID, sourcePath string) error {
	checkpoint := store.NewCheckpoint(jobID, driver.Config.Iterations, driver.Config, crystalStates(driver.Crystals), mergedSnapshot(merged))
	checkpoint.SourcePath = sourcePath
	return checkpointStore.SaveCheckpoint(jobID, checkpoint)
}

func crystalStates(crystals []*crystal.Crystal) []store.CrystalState {
	states := make([]store.CrystalState, len(crystals))
	for i, c := range crystals {
		a, b, cc, alpha, beta, gamma := c.Cell.Parameters()
		states[i] = store.CrystalState{
			ID:            c.ID,
			CellA:         a,
			CellB:         b,
			CellC:         cc,
			CellAlpha:     alpha,
			CellBeta:      beta,
			CellGamma:     gamma,
			OrientW:       c.Orientation.W,
			OrientX:       c.Orientation.X,
			OrientY:       c.Orientation.Y,
			OrientZ:       c.Orientation.Z,
			OSF:           c.OSF,
			ProfileRadius: c.ProfileRadius,
			Bandwidth:     c.Bandwidth,
			Status:        int(c.Status),
		}
	}
	return states
}

func mergedSnapshot(list *reflist.List) []store.MergedReflection {
	if list == nil {
		return nil
	}
	var out []store.MergedReflection
	list.ForEach(func(r *reflist.Reflection) bool {
		out = append(out, store.MergedReflection{
			H: r.Index.H, K: r.Index.K, L: r.Index.L,
			I: r.I, Sigma: r.Sigma, Redundancy: r.Redundancy,
		})
		return true
	})
	return out
}
