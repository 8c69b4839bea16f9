package crystalio

import (
	"bufio"
	"fmt"
	"io"
)

// ScalingReport is spec §6.2's "Scaling report" producer interface: a
// per-iteration summary suitable for logging or streaming to a client.
type ScalingReport struct {
	Iteration            int
	ActiveCrystals       int
	ScalableObservations int
	Converged            bool
	// RFree is the R1I-style figure of merit against an externally
	// supplied reference list, or NaN when no reference was configured.
	RFree float64
}

// WriteScalingReport renders one line per report, in the order called.
func WriteScalingReport(w io.Writer, r ScalingReport) error {
	bw := bufio.NewWriter(w)
	rfree := "n/a"
	if !isNaN(r.RFree) {
		rfree = fmt.Sprintf("%f", r.RFree)
	}
	if _, err := fmt.Fprintf(bw, "iteration=%d active_crystals=%d scalable_observations=%d converged=%t r_free=%s\n",
		r.Iteration, r.ActiveCrystals, r.ScalableObservations, r.Converged, rfree); err != nil {
		return err
	}
	return bw.Flush()
}

func isNaN(f float64) bool {
	return f != f
}
