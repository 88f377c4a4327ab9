// MODUL: mlp
// ZWECK: Einfacher MLP-Encoder fuer flach vektorisierte Voxel
// INPUT: Merkmalsvektor (input_dim, N)
// OUTPUT: Embedding (output_dim, N)
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: ml, ml/nn
// HINWEISE: Eingangsprojektion auf die versteckte Breite, dann
//           layers-1 Bloecke Linear -> GELU -> Dropout -> LayerNorm,
//           der Abschluss eine nackte Projektion. Die Eingangsprojektion
//           traegt keine eigene Aktivierung.

package encoder

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/7blacky7/voxelclip/ml"
	"github.com/7blacky7/voxelclip/ml/nn"
)

// mlpDropout ist die Drop-Rate der versteckten Bloecke.
const mlpDropout = 0.3

// MLPBlock ist ein versteckter Block des MLP-Encoders.
type MLPBlock struct {
	FC   *nn.Linear    `sd:"fc"`
	Drop *nn.Dropout
	Norm *nn.LayerNorm `sd:"norm"`
}

// MLP stapelt eine Eingangsprojektion, versteckte Bloecke und eine
// Ausgabeprojektion.
type MLP struct {
	In     *nn.Linear  `sd:"input"`
	Hidden []*MLPBlock `sd:"hidden"`
	Out    *nn.Linear  `sd:"output"`

	InputDim  int
	Width     int
	OutputDim int
}

// NewMLP baut die Eingangsprojektion auf width, layers-1 versteckte
// Bloecke der Breite width und eine Projektion auf outputDim.
func NewMLP(ctx ml.Context, inputDim, width, layers, outputDim int) (*MLP, error) {
	if layers < 1 {
		return nil, fmt.Errorf("%w: mlp needs at least one layer, got %d", ErrConfig, layers)
	}

	m := &MLP{
		In:        &nn.Linear{Weight: zeros(ctx, inputDim, width), Bias: zeros(ctx, width)},
		InputDim:  inputDim,
		Width:     width,
		OutputDim: outputDim,
	}

	for rangeIdx := 0; rangeIdx < layers - 1; rangeIdx++ {
		m.Hidden = append(m.Hidden, &MLPBlock{
			FC:   &nn.Linear{Weight: zeros(ctx, width, width), Bias: zeros(ctx, width)},
			Drop: &nn.Dropout{P: mlpDropout},
			Norm: &nn.LayerNorm{Weight: ones(ctx, width), Bias: zeros(ctx, width)},
		})
	}
	m.Out = &nn.Linear{Weight: zeros(ctx, width, outputDim), Bias: zeros(ctx, outputDim)}

	return m, nil
}

// Forward berechnet das Embedding: (input_dim, n) -> (output_dim, n).
func (m *MLP) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = m.In.Forward(ctx, t)
	for _, block := range m.Hidden {
		t = block.FC.Forward(ctx, t).GELU(ctx)
		t = block.Drop.Forward(ctx, t)
		t = block.Norm.Forward(ctx, t, layerNormEps)
	}

	return m.Out.Forward(ctx, t)
}

// InitParameters belegt alle Projektionen mit Fan-In-Skalierung.
func (m *MLP) InitParameters(ctx ml.Context, rng *rand.Rand) {
	initLinear := func(l *nn.Linear) {
		l.Weight = normal(ctx, rng, math.Pow(float64(fanIn(l.Weight.Shape())), -0.5), l.Weight.Shape()...)
		l.Bias = zeros(ctx, l.Bias.Shape()...)
	}
	initLinear(m.In)
	for _, block := range m.Hidden {
		initLinear(block.FC)
		block.Norm.Weight = ones(ctx, block.Norm.Weight.Shape()...)
		block.Norm.Bias = zeros(ctx, block.Norm.Bias.Shape()...)
	}
	initLinear(m.Out)
}
