// activation.go - Aktivierungsfunktionen als austauschbare Werte
package nn

import (
	"github.com/7blacky7/voxelclip/ml"
)

// Activation bildet einen Tensor elementweise ab. Module nehmen eine
// Activation als Feld, damit GELU gegen QuickGELU getauscht werden
// kann, ohne die Blockstruktur zu aendern.
type Activation func(ml.Context, ml.Tensor) ml.Tensor

// GELU ist die exakte Gauss-Error-Linear-Unit.
func GELU(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return t.GELU(ctx)
}

// QuickGELU ist die Sigmoid-Naeherung x*sigmoid(1.702*x) aus den
// OpenAI-CLIP-Checkpoints.
func QuickGELU(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return t.QuickGELU(ctx)
}

// RELU schneidet negative Werte auf null.
func RELU(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return t.RELU(ctx)
}
