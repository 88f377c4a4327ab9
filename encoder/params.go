// MODUL: params
// ZWECK: Hilfsfunktionen fuer Parameter-Allokation und -Initialisierung
// INPUT: Context, Zufallsquelle, Standardabweichung, Tensor-Form
// OUTPUT: Frisch belegte Parameter-Tensoren
// NEBENEFFEKTE: Alloziert Tensoren im Context
// ABHAENGIGKEITEN: ml
// HINWEISE: Konstruktoren allozieren neutrale Werte (Normgewichte 1,
//           alles andere 0); InitParameters ersetzt sie durch das
//           Trainings-Rezept.

package encoder

import (
	"math/rand"

	"github.com/7blacky7/voxelclip/ml"
)

// zeros alloziert einen Null-Tensor.
func zeros(ctx ml.Context, shape ...int) ml.Tensor {
	return ctx.Zeros(ml.DTypeF32, shape...)
}

// ones alloziert einen Tensor mit Einsen, das neutrale Element fuer
// Norm-Skalen.
func ones(ctx ml.Context, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = 1
	}
	return ctx.FromFloats(data, shape...)
}

// normal alloziert einen Tensor mit normalverteilten Werten der
// Standardabweichung std.
func normal(ctx ml.Context, rng *rand.Rand, std float64, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
	return ctx.FromFloats(data, shape...)
}

// fanIn liefert die Eingangs-Fan-Groesse eines Gewichts in
// ggml-Konvention (alle Dimensionen ausser der letzten belegten).
func fanIn(shape []int) int {
	n := 1
	for i := 0; i < len(shape)-1; i++ {
		n *= shape[i]
	}
	return max(n, 1)
}
