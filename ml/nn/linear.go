// linear.go - Lineare Projektionen
// Enthaelt: Linear und Conv1D (Kernelgroesse 1, entspricht einer
// Projektion des Skalar-Kanals pro Position).
package nn

import (
	"github.com/7blacky7/voxelclip/ml"
)

// Linear ist eine affine Projektion. Weight hat die Form (in, out) in
// ggml-Konvention, Bias (out) oder nil.
type Linear struct {
	Weight ml.Tensor `sd:"weight"`
	Bias   ml.Tensor `sd:"bias"`
}

// Forward projiziert t: (in, ...) -> (out, ...).
func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = m.Weight.Mulmat(ctx, t)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}

// Conv1D ist eine 1D-Convolution mit Kernelgroesse 1 ueber einen
// einzelnen Eingabe-Kanal. Weight hat die Form (1, out).
type Conv1D struct {
	Weight ml.Tensor `sd:"weight"`
	Bias   ml.Tensor `sd:"bias"`
}

// Forward hebt einen Skalar-Kanal pro Position auf die Breite out:
// (1, seq, batch) -> (out, seq, batch).
func (m *Conv1D) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = m.Weight.Mulmat(ctx, t)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
