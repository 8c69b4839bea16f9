package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/crystfel-go/mergeengine/internal/config"
	"github.com/crystfel-go/mergeengine/internal/crystal"
	"github.com/crystfel-go/mergeengine/internal/crystalio"
	"github.com/crystfel-go/mergeengine/internal/fom"
	"github.com/crystfel-go/mergeengine/internal/merge"
	"github.com/crystfel-go/mergeengine/internal/reflist"
	"github.com/crystfel-go/mergeengine/internal/xerrors"
	"github.com/spf13/cobra"
)

var (
	mergeSourcePath   string
	mergeOutPath      string
	mergeParamsPath   string
	mergeSymmetry     string
	mergeIterations   int
	mergeNoScale      bool
	mergeReferencePath string
	mergePartiality   string
	mergeMinMeas      int
	mergePolarisation string
	mergeThreads      int
	mergeCpuProfile   string
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge, scale, and post-refine a crystal source in a single run",
	Long: `Runs the full outer loop of spec §4.9 once: load crystals from a JSONL
source, fold reflections into the asymmetric unit, scale, then iterate
post-refinement and re-scaling for the configured number of iterations,
finally writing the merged reflection list and per-crystal parameter dump.`,
	RunE: runMerge,
}

func init() {
	mergeCmd.Flags().StringVar(&mergeSourcePath, "source", "", "JSONL crystal source path (required)")
	mergeCmd.Flags().StringVar(&mergeOutPath, "out", "merged.hkl", "Merged-list output path")
	mergeCmd.Flags().StringVar(&mergeParamsPath, "params-out", "", "Per-crystal parameter dump path (optional)")
	mergeCmd.Flags().StringVar(&mergeSymmetry, "symmetry", "1", "Point-group symmetry name")
	mergeCmd.Flags().IntVar(&mergeIterations, "iterations", 10, "Number of outer scale+refine iterations")
	mergeCmd.Flags().BoolVar(&mergeNoScale, "no-scale", false, "Disable scaling; hold all OSFs at 1.0")
	mergeCmd.Flags().StringVar(&mergeReferencePath, "reference", "", "External reference merged list (optional)")
	mergeCmd.Flags().StringVar(&mergePartiality, "partiality", "unity", "Partiality model: unity or sphere")
	mergeCmd.Flags().IntVar(&mergeMinMeas, "min-measurements", 1, "Minimum redundancy to keep a merged reflection")
	mergeCmd.Flags().StringVar(&mergePolarisation, "polarisation", "none", "Polarisation correction: none or linear")
	mergeCmd.Flags().IntVar(&mergeThreads, "threads", 1, "Worker pool size for parallel post-refinement")
	mergeCmd.Flags().StringVar(&mergeCpuProfile, "cpuprofile", "", "Write CPU profile to file")

	mergeCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	if mergeCpuProfile != "" {
		f, err := os.Create(mergeCpuProfile)
		if err != nil {
			return fmt.Errorf("failed to create CPU profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("failed to start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	cfg := config.Options{
		Iterations:      mergeIterations,
		NoScale:         mergeNoScale,
		ReferencePath:   mergeReferencePath,
		PartialityModel: mergePartiality,
		MinMeasurements: mergeMinMeas,
		Polarisation:    mergePolarisation,
		Symmetry:        mergeSymmetry,
		Threads:         mergeThreads,
		LogLevel:        logLevel,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	crystals, err := readCrystalSource(mergeSourcePath)
	if err != nil {
		return fmt.Errorf("failed to load crystal source: %w", err)
	}
	slog.Info("Loaded crystal source", "path", mergeSourcePath, "crystals", len(crystals))

	driver, err := merge.NewDriver(cfg, crystals)
	if err != nil {
		return fmt.Errorf("failed to build merge driver: %w", err)
	}

	if mergeReferencePath != "" {
		ref, err := readReferenceList(mergeReferencePath)
		if err != nil {
			return fmt.Errorf("failed to load reference list: %w", err)
		}
		driver.Reference = ref
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		slog.Info("Interrupt received, cancelling merge run")
		cancel()
	}()

	start := time.Now()
	merged, err := driver.Run(ctx)
	if err != nil {
		return fmt.Errorf("merge run failed: %w", err)
	}
	elapsed := time.Since(start)

	fmt.Printf("Merge complete in %s\n", elapsed)
	fmt.Printf("  Crystals: %d\n", len(crystals))
	fmt.Printf("  Merged reflections: %d\n", merged.Count())

	if err := writeMergedOutput(merged, driver, cfg.Symmetry, mergeOutPath); err != nil {
		return fmt.Errorf("failed to write merged list: %w", err)
	}
	fmt.Printf("  Merged list written to: %s\n", mergeOutPath)

	if mergeParamsPath != "" {
		if err := writeParamDump(crystals, mergeParamsPath); err != nil {
			return fmt.Errorf("failed to write parameter dump: %w", err)
		}
		fmt.Printf("  Parameter dump written to: %s\n", mergeParamsPath)
	}

	if err := printCompleteness(merged, driver); err != nil {
		slog.Warn("Failed to compute completeness report", "error", err)
	}

	return nil
}

func readCrystalSource(path string) ([]*crystal.Crystal, error) {
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

func readReferenceList(path string) (*reflist.List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return crystalio.ReadMergedList(f)
}

func writeMergedOutput(merged *reflist.List, driver *merge.Driver, symmetry, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if len(driver.Crystals) == 0 {
		return fmt.Errorf("no crystals to derive a representative unit cell from")
	}
	return crystalio.WriteMergedList(f, merged, driver.Crystals[0].Cell, symmetry)
}

func writeParamDump(crystals []*crystal.Crystal, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return crystalio.WriteParamDump(f, crystals)
}

func printCompleteness(merged *reflist.List, driver *merge.Driver) error {
	if len(driver.Crystals) == 0 {
		return nil
	}
	shells := fom.BuildShells(0.0, 0.5, 10)
	rows := crystalio.Completeness(merged, driver.Crystals[0].Cell, driver.Sym, shells)
	return crystalio.WriteCompletenessReport(os.Stdout, rows)
}
