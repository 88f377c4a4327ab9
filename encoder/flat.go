// MODUL: flat
// ZWECK: Transformer fuer flache Voxel-Ereignisfolgen [t, x, y, z]
// INPUT: Sequenz-Tensor (4, L, N)
// OUTPUT: Embedding (output_dim, N)
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: ml, ml/nn, transformer.go
// HINWEISE: Nur der t-Kanal wird eingebettet; die Koordinatenspalten
//           werden gelesen, fliessen aber nicht in die Repraesentation
//           ein. Das Positions-Embedding ist ein einzelner geteilter
//           Vektor ohne Positionsaufloesung. Beides entspricht dem
//           trainierten Checkpoint-Layout und bleibt deshalb so.

package encoder

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/7blacky7/voxelclip/ml"
	"github.com/7blacky7/voxelclip/ml/nn"
)

// flatFeatures ist die Spaltenzahl eines Ereignisses: Wert plus drei
// Koordinaten.
const flatFeatures = 4

// FlatTransformer bettet den Wertkanal jeder Position per 1x1-Conv ein
// und verarbeitet die Folge mit einem Pre-Norm-Stack.
type FlatTransformer struct {
	Conv1               *nn.Conv1D    `sd:"conv1"`
	PositionalEmbedding ml.Tensor     `sd:"positional_embedding"`
	LNPre               *nn.LayerNorm `sd:"ln_pre"`
	Transformer         *Transformer  `sd:"transformer"`
	LNPost              *nn.LayerNorm `sd:"ln_post"`
	Proj                ml.Tensor     `sd:"proj"`

	Width     int
	OutputDim int

	locked bool
}

// NewFlatTransformer alloziert den Turm.
func NewFlatTransformer(ctx ml.Context, width, layers, heads, outputDim int, mlpRatio float64, act nn.Activation, dropout float32) *FlatTransformer {
	m := &FlatTransformer{
		Conv1:               &nn.Conv1D{Weight: zeros(ctx, 1, width)},
		PositionalEmbedding: zeros(ctx, width),
		LNPre:               &nn.LayerNorm{Weight: ones(ctx, width), Bias: zeros(ctx, width)},
		Transformer:         NewTransformer(ctx, width, layers, heads, mlpRatio, act, dropout),
		LNPost:              &nn.LayerNorm{Weight: ones(ctx, width), Bias: zeros(ctx, width)},
		Width:               width,
		OutputDim:           outputDim,
	}
	if outputDim > 0 {
		m.Proj = zeros(ctx, outputDim, width)
	}

	return m
}

// Forward berechnet das Folgen-Embedding: (4, l, n) -> (output_dim, n).
func (m *FlatTransformer) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	if t.Dim(0) != flatFeatures {
		panic(fmt.Sprintf("%v: flat sequence needs %d features per event, got %d", ErrInputShape, flatFeatures, t.Dim(0)))
	}

	batch := 1
	if len(t.Shape()) > 2 {
		batch = t.Dim(2)
	}

	values := t.Slice(ctx, 0, 0, 1, 1)
	// Koordinaten liegen in den Spalten 1..3, werden aber nicht
	// eingebettet.
	_ = t.Slice(ctx, 0, 1, flatFeatures, 1)

	x := m.Conv1.Forward(ctx, values)

	// Ein geteilter Vektor fuer alle Positionen.
	x = x.Add(ctx, m.PositionalEmbedding)

	x = m.LNPre.Forward(ctx, x, layerNormEps)
	x = m.Transformer.Forward(ctx, x, nil)

	// Gepoolt wird der Endzustand des ersten Ereignisses.
	x = x.Slice(ctx, 1, 0, 1, 1).Reshape(ctx, m.Width, batch)
	x = m.LNPost.Forward(ctx, x, layerNormEps)

	if m.Proj != nil {
		x = m.Proj.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx).Mulmat(ctx, x)
	}

	return x
}

// Lock friert den kompletten Turm ein.
func (m *FlatTransformer) Lock(unlockedGroups int, freezeBNStats bool) error {
	if unlockedGroups != 0 {
		return fmt.Errorf("%w: flat transformer, %d groups requested", ErrPartialUnlock, unlockedGroups)
	}

	m.locked = true
	slog.Info("flat transformer locked")

	return nil
}

// SetGradCheckpointing reicht den Schalter an den Stack durch.
func (m *FlatTransformer) SetGradCheckpointing(enabled bool) {
	m.Transformer.SetGradCheckpointing(enabled)
}

// InitParameters folgt dem Rezept der Bild-Transformer.
func (m *FlatTransformer) InitParameters(ctx ml.Context, rng *rand.Rand) {
	scale := math.Pow(float64(m.Width), -0.5)
	m.PositionalEmbedding = normal(ctx, rng, scale, m.PositionalEmbedding.Shape()...)
	if m.Proj != nil {
		m.Proj = normal(ctx, rng, scale, m.Proj.Shape()...)
	}
	m.Conv1.Weight = normal(ctx, rng, 1, m.Conv1.Weight.Shape()...)
	m.Transformer.InitParameters(ctx, rng)
}
