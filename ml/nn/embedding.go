// embedding.go - Lookup-Embedding
package nn

import (
	"github.com/7blacky7/voxelclip/ml"
)

// Embedding bildet Integer-IDs auf gelernte Vektoren ab. Weight hat die
// Form (width, vocab).
type Embedding struct {
	Weight ml.Tensor `sd:"weight"`
}

// Forward sammelt die Zeilen fuer die IDs: (n[, b]) -> (width, n[, b]).
func (m *Embedding) Forward(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	return m.Weight.Rows(ctx, ids)
}
