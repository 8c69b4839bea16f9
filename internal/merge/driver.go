// Package merge implements the MergeDriver outer loop of spec §4.9:
// load -> polarisation-correct -> fold -> scale -> repeat{select
// refinable; parallel post-refine; re-scale} -> final merged list.
package merge

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/crystfel-go/mergeengine/internal/config"
	"github.com/crystfel-go/mergeengine/internal/crystal"
	"github.com/crystfel-go/mergeengine/internal/miller"
	"github.com/crystfel-go/mergeengine/internal/partiality"
	"github.com/crystfel-go/mergeengine/internal/polarisation"
	"github.com/crystfel-go/mergeengine/internal/postref"
	"github.com/crystfel-go/mergeengine/internal/reflist"
	"github.com/crystfel-go/mergeengine/internal/scaling"
)

// IterationReport summarises one outer scale+refine cycle. Emitted on
// Driver.Progress so a caller (e.g. the HTTP job server's SSE stream)
// can show live iteration-by-iteration progress (SPEC_FULL.md §7).
type IterationReport struct {
	Iteration   int
	NumCrystals int
	NumRefined  int
	NumNoRefine int
	NumFailed   int
	NumLost     int
	MeanOSF     float64
	NumMerged   int
}

// Driver runs the outer merge loop over a fixed set of already-loaded
// crystals.
type Driver struct {
	Config   config.Options
	Sym      *miller.SymOpList
	Model    partiality.Model
	Crystals []*crystal.Crystal

	// Reference, if non-nil, is an externally supplied reflection list
	// used in place of the running merge for both scaling and
	// post-refinement (spec §4.7, §4.8).
	Reference *reflist.List

	// Progress, if non-nil, receives one IterationReport per completed
	// outer iteration. A send blocks until it is received or ctx is done:
	// the driver selects on ctx.Done() so a cancelled run cannot deadlock
	// on a full channel.
	Progress chan<- IterationReport
}

// NewDriver validates cfg and resolves the point-group symmetry and
// partiality model it names, surfacing any UnknownPointGroupError or
// ErrUnknownModel before a single crystal is touched (spec §7).
func NewDriver(cfg config.Options, crystals []*crystal.Crystal) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sym, err := miller.NewSymOpList(cfg.Symmetry)
	if err != nil {
		return nil, err
	}
	model, err := partiality.NewModel(cfg.PartialityModel)
	if err != nil {
		return nil, err
	}
	return &Driver{Config: cfg, Sym: sym, Model: model, Crystals: crystals}, nil
}

// Run executes spec §4.9's outer loop, checking ctx for cancellation at
// each iteration boundary, and returns the final merged reflection list
// keyed by asymmetric (h,k,l).
func (d *Driver) Run(ctx context.Context) (*reflist.List, error) {
	polMode := polarisation.Unpolarised
	if d.Config.Polarisation == "linear" {
		polMode = polarisation.Linear
	}

	for _, c := range d.Crystals {
		if polMode != polarisation.Unpolarised {
			polarisation.Correct(c, polMode)
		}
		c.Reflections = reflist.FoldAsymmetric(c.Reflections, d.Sym)
	}

	merged, err := d.scale()
	if err != nil {
		return nil, err
	}

	for iter := 1; iter <= d.Config.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return merged, err
		}

		report, err := d.refineIteration(ctx, iter, merged)
		if err != nil {
			return merged, err
		}

		merged, err = d.scale()
		if err != nil {
			return merged, err
		}
		report.NumMerged = merged.Count()

		slog.Info("merge iteration complete",
			"iteration", report.Iteration,
			"refined", report.NumRefined,
			"no_refinement", report.NumNoRefine,
			"failed", report.NumFailed,
			"lost", report.NumLost,
			"mean_osf", report.MeanOSF,
			"merged_reflections", report.NumMerged,
		)
		d.emit(ctx, report)
	}

	return merged, nil
}

func (d *Driver) scale() (*reflist.List, error) {
	return scaling.Run(d.Crystals, scaling.Options{
		NoScale:         d.Config.NoScale,
		MinMeasurements: d.Config.MinMeasurements,
		Reference:       d.Reference,
	})
}

// refineIteration marks refinable reflections for every crystal, then
// post-refines all crystals concurrently with a worker pool bounded by
// Config.Threads (spec §5's "bounded worker pool" requirement). A single
// crystal's solver failure is logged and skipped; it never aborts the
// iteration. Context cancellation, by contrast, aborts the whole group.
func (d *Driver) refineIteration(ctx context.Context, iter int, reference *reflist.List) (IterationReport, error) {
	report := IterationReport{Iteration: iter, NumCrystals: len(d.Crystals)}

	opt := postref.Options{ExternalReference: d.Reference != nil}
	for _, c := range d.Crystals {
		postref.SelectRefinable(c, reference, d.Sym, opt)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threadLimit(d.Config.Threads))

	var mu sync.Mutex
	for _, c := range d.Crystals {
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			ur, err := postref.Refine(c, reference, d.Sym, d.Model, opt)
			if err != nil {
				slog.Warn("post-refinement failed", "crystal", c.ID, "error", err)
			}

			mu.Lock()
			defer mu.Unlock()
			tallyStatus(c, ur, &report)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}

	report.MeanOSF = meanOSF(d.Crystals)
	return report, nil
}

// tallyStatus updates report counters and demotes a crystal to
// StatusLost when post-refinement's geometry update dropped more than
// half of its previously-scalable reflections to zero partiality (spec
// §4.8's crystal-flagging rule).
func tallyStatus(c *crystal.Crystal, ur partiality.UpdateResult, report *IterationReport) {
	switch c.Status {
	case crystal.StatusOK:
		if c.ScalableBefore > 0 && ur.Lost*2 > c.ScalableBefore {
			c.Status = crystal.StatusLost
			report.NumLost++
			return
		}
		report.NumRefined++
	case crystal.StatusNoRefinement:
		report.NumNoRefine++
	case crystal.StatusSolverFailed:
		report.NumFailed++
	case crystal.StatusLost:
		report.NumLost++
	}
}

func meanOSF(crystals []*crystal.Crystal) float64 {
	if len(crystals) == 0 {
		return 0
	}
	var sum float64
	for _, c := range crystals {
		sum += c.OSF
	}
	return sum / float64(len(crystals))
}

func (d *Driver) emit(ctx context.Context, report IterationReport) {
	if d.Progress == nil {
		return
	}
	select {
	case d.Progress <- report:
	case <-ctx.Done():
	}
}

func threadLimit(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
