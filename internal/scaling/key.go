package scaling

import "github.com/crystfel-go/mergeengine/internal/miller"

// reflistKey is a comparable (map-key-safe) copy of miller.Index, used to
// group observations by asymmetric (h,k,l) during scaling.
type reflistKey miller.Index

func (k reflistKey) toIndex() miller.Index {
	return miller.Index(k)
}
