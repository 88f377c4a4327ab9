// norm.go - Normalisierungs-Layer
// Enthaelt: LayerNorm mit Referenz-Praezisions-Schutz und BatchNorm2D
// im Eval-Modus mit einfrierbaren Statistiken.
package nn

import (
	"github.com/7blacky7/voxelclip/ml"
)

// LayerNorm normalisiert ueber die Feature-Dimension. Die Berechnung
// laeuft immer in F32 und das Ergebnis wird auf den Eingabe-Datentyp
// zurueckkonvertiert; das schuetzt reduzierte Praezision vor Unter- und
// Ueberlauf in der Varianz.
type LayerNorm struct {
	Weight ml.Tensor `sd:"weight"`
	Bias   ml.Tensor `sd:"bias"`
}

// Forward normalisiert t zeilenweise.
func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	orig := t.DType()
	out := t.Cast(ctx, ml.DTypeF32).LayerNorm(ctx, m.Weight, m.Bias, eps)
	return out.Cast(ctx, orig)
}

// BatchNorm2D normalisiert einen (w, h, c, n)-Tensor pro Kanal mit den
// laufenden Statistiken (Eval-Modus). StatsFrozen haelt fest, dass ein
// Lock die Statistiken eingefroren hat; der externe Trainings-Loop darf
// sie dann nicht weiterfuehren.
type BatchNorm2D struct {
	Weight      ml.Tensor `sd:"weight"`
	Bias        ml.Tensor `sd:"bias"`
	RunningMean ml.Tensor `sd:"running_mean"`
	RunningVar  ml.Tensor `sd:"running_var"`

	StatsFrozen bool
}

// Forward normalisiert t mit den laufenden Statistiken.
func (m *BatchNorm2D) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	mean := m.RunningMean.Reshape(ctx, 1, 1, -1)
	variance := m.RunningVar.Reshape(ctx, 1, 1, -1)

	epsT := ctx.FromFloats([]float32{eps}, 1)
	std := variance.Add(ctx, epsT).Sqrt(ctx)

	t = t.Sub(ctx, mean).Div(ctx, std)
	if m.Weight != nil {
		t = t.Mul(ctx, m.Weight.Reshape(ctx, 1, 1, -1))
	}
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias.Reshape(ctx, 1, 1, -1))
	}

	return t
}

// FreezeStats friert die laufenden Statistiken ein.
func (m *BatchNorm2D) FreezeStats() {
	m.StatsFrozen = true
}
