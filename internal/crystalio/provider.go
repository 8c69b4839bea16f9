package crystalio

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/crystfel-go/mergeengine/internal/cell"
	"github.com/crystfel-go/mergeengine/internal/miller"
)

// CellProvider is spec §6.1's "Cell provider": loads a reference UnitCell
// from a structured description, used e.g. to validate indexed cells
// against a known target cell.
type CellProvider interface {
	LoadCell(name string) (cell.UnitCell, error)
}

// cellParams is the JSON shape of one named cell entry.
type cellParams struct {
	A, B, C                float64
	Alpha, Beta, Gamma     float64
}

// JSONCellProvider loads named cells from a small JSON document mapping
// name -> six cell parameters, read once at construction time.
type JSONCellProvider struct {
	cells map[string]cellParams
}

// NewJSONCellProvider decodes r as a JSON object of name -> cell params.
func NewJSONCellProvider(r io.Reader) (*JSONCellProvider, error) {
	var cells map[string]cellParams
	if err := json.NewDecoder(r).Decode(&cells); err != nil {
		return nil, fmt.Errorf("crystalio: decoding cell provider document: %w", err)
	}
	return &JSONCellProvider{cells: cells}, nil
}

func (p *JSONCellProvider) LoadCell(name string) (cell.UnitCell, error) {
	params, ok := p.cells[name]
	if !ok {
		return cell.UnitCell{}, fmt.Errorf("crystalio: no cell named %q", name)
	}
	return cell.NewFromParameters(params.A, params.B, params.C, params.Alpha, params.Beta, params.Gamma)
}

// PointGroupProvider is spec §6.1's "Point-group provider": maps a name
// to a SymOpList. The default implementation is a thin pass-through to
// miller.NewSymOpList; it exists as an interface so callers (and tests)
// can substitute a provider backed by a richer symmetry-table file
// without the core depending on miller directly at the boundary.
type PointGroupProvider interface {
	PointGroup(name string) (*miller.SymOpList, error)
}

// StandardPointGroups resolves names against miller's built-in
// generator table.
type StandardPointGroups struct{}

func (StandardPointGroups) PointGroup(name string) (*miller.SymOpList, error) {
	return miller.NewSymOpList(name)
}
