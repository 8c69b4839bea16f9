package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/crystfel-go/mergeengine/internal/cell"
	"github.com/crystfel-go/mergeengine/internal/crystal"
	"github.com/crystfel-go/mergeengine/internal/crystalio"
	"github.com/crystfel-go/mergeengine/internal/merge"
	"github.com/crystfel-go/mergeengine/internal/reflist"
	"github.com/crystfel-go/mergeengine/internal/store"
	"github.com/crystfel-go/mergeengine/internal/xerrors"
	"github.com/spf13/cobra"
)

var (
	resumeServerURL string
	resumeLocalMode bool
	resumeOutputDir string
	resumeDataDir   string
)

var resumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Resume a merge run from a checkpoint",
	Long: `Resume a merge job from a saved checkpoint.

Supports two modes:
  1. Server mode (default): POST to the server's resume endpoint
  2. Local mode (--local): load the checkpoint and continue the merge
     locally, without a running server

Examples:
  # Resume via server
  mergeengine resume abc123 --server-url http://localhost:8080

  # Resume locally
  mergeengine resume abc123 --local --output ./resumed`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeServerURL, "server-url", "http://localhost:8080", "Server URL for remote resume")
	resumeCmd.Flags().BoolVar(&resumeLocalMode, "local", false, "Run resume locally instead of via server")
	resumeCmd.Flags().StringVar(&resumeOutputDir, "output", "./resumed", "Output directory for local mode")
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", "./data", "Checkpoint storage directory for local mode")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	if resumeLocalMode {
		return runResumeLocal(jobID)
	}
	return runResumeServer(jobID)
}

// runResumeServer sends a resume request to the server.
func runResumeServer(jobID string) error {
	url := fmt.Sprintf("%s/api/v1/jobs/%s/resume", resumeServerURL, jobID)

	slog.Info("Resuming job via server", "job_id", jobID, "url", url)

	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("checkpoint not found for job %s", jobID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		JobID             string `json:"jobId"`
		State             string `json:"state"`
		Message           string `json:"message,omitempty"`
		PreviousIteration int    `json:"previousIteration"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("Job resumed successfully\n")
	fmt.Printf("  New job ID: %s\n", result.JobID)
	fmt.Printf("  State: %s\n", result.State)
	fmt.Printf("  Resuming from iteration: %d\n", result.PreviousIteration)
	fmt.Printf("\nUse 'mergeengine status %s' to monitor progress\n", result.JobID)

	return nil
}

// runResumeLocal loads a checkpoint and continues the merge run locally,
// without going through the HTTP job server.
func runResumeLocal(jobID string) error {
	slog.Info("Resuming job locally", "job_id", jobID)

	checkpointStore, err := store.NewFSStore(resumeDataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	checkpoint, err := checkpointStore.LoadCheckpoint(jobID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := checkpoint.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}
	if checkpoint.SourcePath == "" {
		return fmt.Errorf("checkpoint has no source path; cannot reload crystals")
	}

	fmt.Printf("Loaded checkpoint:\n")
	fmt.Printf("  Job ID: %s\n", checkpoint.JobID)
	fmt.Printf("  Iteration: %d\n", checkpoint.Iteration)
	fmt.Printf("  Crystals: %d\n", len(checkpoint.Crystals))
	fmt.Printf("  Symmetry: %s\n", checkpoint.Config.Symmetry)
	fmt.Printf("  Checkpoint time: %s\n\n", checkpoint.Timestamp.Format(time.RFC3339))

	crystals, err := loadCrystalsForResume(checkpoint.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to reload crystal source: %w", err)
	}
	if err := applyResumeStates(crystals, checkpoint.Crystals); err != nil {
		return fmt.Errorf("failed to apply checkpoint state: %w", err)
	}

	driver, err := merge.NewDriver(checkpoint.Config, crystals)
	if err != nil {
		return fmt.Errorf("failed to build merge driver: %w", err)
	}

	fmt.Printf("Resuming merge...\n")
	start := time.Now()

	merged, err := driver.Run(context.Background())
	if err != nil {
		return fmt.Errorf("merge run failed: %w", err)
	}

	elapsed := time.Since(start)
	fmt.Printf("\nResumed merge completed in %s\n", elapsed)
	fmt.Printf("  Merged reflections: %d\n", merged.Count())

	if err := os.MkdirAll(resumeOutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	mergedPath := filepath.Join(resumeOutputDir, fmt.Sprintf("%s_resumed.hkl", jobID))
	mf, err := os.Create(mergedPath)
	if err != nil {
		return fmt.Errorf("failed to create merged-list output: %w", err)
	}
	defer mf.Close()
	if err := crystalio.WriteMergedList(mf, merged, driver.Crystals[0].Cell, checkpoint.Config.Symmetry); err != nil {
		return fmt.Errorf("failed to write merged list: %w", err)
	}
	fmt.Printf("  Merged list written to: %s\n", mergedPath)

	updated := store.NewCheckpoint(jobID, checkpoint.Iteration+checkpoint.Config.Iterations, checkpoint.Config,
		crystalStatesForResume(driver.Crystals), mergedSnapshotForResume(merged))
	updated.SourcePath = checkpoint.SourcePath
	if err := checkpointStore.SaveCheckpoint(jobID, updated); err != nil {
		slog.Warn("Failed to update checkpoint", "error", err)
	} else {
		fmt.Printf("  Checkpoint updated\n")
	}

	return nil
}

func loadCrystalsForResume(path string) ([]*crystal.Crystal, error) {
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
		var inputErr *xerrors.InputError
		if errors.As(err, &inputErr) {
			slog.Warn("Skipping unreadable crystal record", "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		crystals = append(crystals, c)
	}
	return crystals, nil
}

func applyResumeStates(crystals []*crystal.Crystal, states []store.CrystalState) error {
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
			return fmt.Errorf("checkpoint cell for crystal %q: %w", c.ID, err)
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

func crystalStatesForResume(crystals []*crystal.Crystal) []store.CrystalState {
	states := make([]store.CrystalState, len(crystals))
	for i, c := range crystals {
		a, b, cc, alpha, beta, gamma := c.Cell.Parameters()
		states[i] = store.CrystalState{
			ID: c.ID,
			CellA: a, CellB: b, CellC: cc,
			CellAlpha: alpha, CellBeta: beta, CellGamma: gamma,
			OrientW: c.Orientation.W, OrientX: c.Orientation.X, OrientY: c.Orientation.Y, OrientZ: c.Orientation.Z,
			OSF: c.OSF, ProfileRadius: c.ProfileRadius, Bandwidth: c.Bandwidth,
			Status: int(c.Status),
		}
	}
	return states
}

func mergedSnapshotForResume(list *reflist.List) []store.MergedReflection {
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
