// Package crystalio implements the external interfaces of spec §6: the
// crystal/cell/point-group sources the core depends on, and the merged
// list / parameter dump / scaling report producers it feeds.
package crystalio

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/crystfel-go/mergeengine/internal/cell"
	"github.com/crystfel-go/mergeengine/internal/crystal"
	"github.com/crystfel-go/mergeengine/internal/miller"
	"github.com/crystfel-go/mergeengine/internal/xerrors"
)

// CrystalSource is spec §6.1's "Crystal source" consumer interface:
// NextCrystal returns io.EOF once exhausted, the idiomatic Go rendering
// of the spec's "next_crystal() -> Crystal | EndOfStream".
type CrystalSource interface {
	NextCrystal() (*crystal.Crystal, error)
}

// crystalRecord is the on-the-wire JSON shape one line of a JSONLSource
// stream takes: one integrated snapshot with its reflection list, unit
// cell parameters, orientation and beam parameters.
type crystalRecord struct {
	ID string `json:"id"`

	CellA     float64 `json:"cell_a"`
	CellB     float64 `json:"cell_b"`
	CellC     float64 `json:"cell_c"`
	CellAlpha float64 `json:"cell_alpha"`
	CellBeta  float64 `json:"cell_beta"`
	CellGamma float64 `json:"cell_gamma"`

	OrientW float64 `json:"orient_w"`
	OrientX float64 `json:"orient_x"`
	OrientY float64 `json:"orient_y"`
	OrientZ float64 `json:"orient_z"`

	Wavelength    float64 `json:"wavelength"`
	Divergence    float64 `json:"divergence"`
	Bandwidth     float64 `json:"bandwidth"`
	Mosaicity     float64 `json:"mosaicity"`
	ProfileRadius float64 `json:"profile_radius"`

	Reflections []struct {
		H     int32   `json:"h"`
		K     int32   `json:"k"`
		L     int32   `json:"l"`
		I     float64 `json:"i"`
		Sigma float64 `json:"sigma"`
		Fast  float64 `json:"fast"`
		Slow  float64 `json:"slow"`
	} `json:"reflections"`
}

// JSONLSource reads one crystalRecord per line from r (newline-delimited
// JSON), the format the teacher's own job inputs use for streamed
// per-unit records (SPEC_FULL.md §6.1).
type JSONLSource struct {
	scanner *bufio.Scanner
	line    int
}

// NewJSONLSource wraps r for sequential NextCrystal calls.
func NewJSONLSource(r io.Reader) *JSONLSource {
	return &JSONLSource{scanner: bufio.NewScanner(r)}
}

// NextCrystal decodes the next non-blank line into a *crystal.Crystal,
// returning io.EOF when the stream is exhausted. A malformed record or
// missing beam parameters is an *xerrors.InputError, which per spec §7
// is fatal for that crystal only — callers should log it and continue
// reading rather than aborting the whole source.
func (s *JSONLSource) NextCrystal() (*crystal.Crystal, error) {
	for s.scanner.Scan() {
		s.line++
		raw := s.scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec crystalRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, &xerrors.InputError{CrystalID: fmt.Sprintf("line %d", s.line), Reason: err.Error()}
		}
		return recordToCrystal(rec, s.line)
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func recordToCrystal(rec crystalRecord, line int) (*crystal.Crystal, error) {
	id := rec.ID
	if id == "" {
		id = fmt.Sprintf("line-%d", line)
	}

	if rec.Wavelength <= 0 {
		return nil, &xerrors.InputError{CrystalID: id, Reason: "missing or non-positive wavelength"}
	}

	uc, err := cell.NewFromParameters(rec.CellA, rec.CellB, rec.CellC, rec.CellAlpha, rec.CellBeta, rec.CellGamma)
	if err != nil {
		return nil, &xerrors.InputError{CrystalID: id, Reason: err.Error()}
	}

	c := crystal.New(id, uc)
	c.Wavelength = rec.Wavelength
	c.Divergence = rec.Divergence
	c.Bandwidth = rec.Bandwidth
	c.Mosaicity = rec.Mosaicity
	c.ProfileRadius = rec.ProfileRadius
	if rec.OrientW != 0 || rec.OrientX != 0 || rec.OrientY != 0 || rec.OrientZ != 0 {
		c.Orientation = cell.Quaternion{W: rec.OrientW, X: rec.OrientX, Y: rec.OrientY, Z: rec.OrientZ}
	}

	seen := make(map[miller.Index]bool, len(rec.Reflections))
	for _, rr := range rec.Reflections {
		idx := miller.Index{H: rr.H, K: rr.K, L: rr.L}
		if seen[idx] {
			return nil, &xerrors.InputError{CrystalID: id, Reason: fmt.Sprintf("duplicate reflection %v within one crystal", idx)}
		}
		seen[idx] = true

		h := c.Reflections.Add(idx)
		h.I = rr.I
		h.Sigma = rr.Sigma
		h.FastPos = rr.Fast
		h.SlowPos = rr.Slow
		h.Partiality = 1
		h.Lorentz = 1
		h.Scalable = true
	}

	return c, nil
}
