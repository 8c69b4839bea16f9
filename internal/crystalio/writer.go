package crystalio

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/crystfel-go/mergeengine/internal/cell"
	"github.com/crystfel-go/mergeengine/internal/crystal"
	"github.com/crystfel-go/mergeengine/internal/miller"
	"github.com/crystfel-go/mergeengine/internal/reflist"
)

// WriteMergedList implements spec §6.2's "Merged list writer": a header
// line documenting the unit cell and point group, followed by one
// reflection per line as `h k l I sigma(I) redundancy`.
func WriteMergedList(w io.Writer, list *reflist.List, uc cell.UnitCell, pointGroup string) error {
	bw := bufio.NewWriter(w)

	a, b, c, alpha, beta, gamma := uc.Parameters()
	if _, err := fmt.Fprintf(bw, "# cell %f %f %f %f %f %f symmetry %s\n", a, b, c, alpha, beta, gamma, pointGroup); err != nil {
		return err
	}

	var writeErr error
	list.ForEach(func(r *reflist.Reflection) bool {
		_, writeErr = fmt.Fprintf(bw, "%d %d %d %f %f %d\n", r.Index.H, r.Index.K, r.Index.L, r.I, r.Sigma, r.Redundancy)
		return writeErr == nil
	})
	if writeErr != nil {
		return writeErr
	}

	return bw.Flush()
}

// ReadMergedList parses the format WriteMergedList produces, used to
// load an externally supplied reference list (spec §4.7/§4.8's
// "reference" option). The header line is skipped.
func ReadMergedList(r io.Reader) (*reflist.List, error) {
	scanner := bufio.NewScanner(r)
	list := reflist.New()

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 6 {
			return nil, fmt.Errorf("crystalio: line %d: expected 6 fields, got %d", lineNo, len(fields))
		}

		h, err1 := strconv.ParseInt(fields[0], 10, 32)
		k, err2 := strconv.ParseInt(fields[1], 10, 32)
		l, err3 := strconv.ParseInt(fields[2], 10, 32)
		I, err4 := strconv.ParseFloat(fields[3], 64)
		sigma, err5 := strconv.ParseFloat(fields[4], 64)
		redundancy, err6 := strconv.Atoi(fields[5])
		for _, err := range []error{err1, err2, err3, err4, err5, err6} {
			if err != nil {
				return nil, fmt.Errorf("crystalio: line %d: %w", lineNo, err)
			}
		}

		idx := miller.Index{H: int32(h), K: int32(k), L: int32(l)}
		entry := list.Add(idx)
		entry.I = I
		entry.Sigma = sigma
		entry.Redundancy = redundancy
		entry.Scalable = true
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// WriteParamDump implements spec §6.2's "Per-crystal parameter dump":
// index, OSF, divergence, status character, one crystal per line.
func WriteParamDump(w io.Writer, crystals []*crystal.Crystal) error {
	bw := bufio.NewWriter(w)
	for i, c := range crystals {
		if _, err := fmt.Fprintf(bw, "%d %s %f %f %c\n", i, c.ID, c.OSF, c.Divergence, c.Status.Char()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// statusCounts is a small supplement to the parameter dump: the number of
// crystals in each Status (SPEC_FULL.md §11).
func statusCounts(crystals []*crystal.Crystal) map[crystal.Status]int {
	counts := make(map[crystal.Status]int)
	for _, c := range crystals {
		counts[c.Status]++
	}
	return counts
}

// WriteStatusHistogram writes a one-line-per-status summary of how many
// crystals ended the run in each Status, the supplemented per-status
// summary named in SPEC_FULL.md §11.
func WriteStatusHistogram(w io.Writer, crystals []*crystal.Crystal) error {
	counts := statusCounts(crystals)
	bw := bufio.NewWriter(w)
	for _, s := range []crystal.Status{crystal.StatusOK, crystal.StatusNoRefinement, crystal.StatusSolverFailed, crystal.StatusLost} {
		if _, err := fmt.Fprintf(bw, "%-14s %d\n", s.String(), counts[s]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
