// MODUL: transformer
// ZWECK: Pre-Norm Transformer-Stack aus Residual-Attention-Bloecken
// INPUT: Sequenz-Tensor (width, seq, batch), optionale additive Maske
// OUTPUT: Sequenz-Tensor gleicher Form
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: ml, ml/nn
// HINWEISE: Gradient-Checkpointing ist ein reiner Speicher-Schalter
//           fuer Trainer und veraendert die Numerik nie.

package encoder

import (
	"math"
	"math/rand"

	"github.com/7blacky7/voxelclip/ml"
	"github.com/7blacky7/voxelclip/ml/nn"
)

// layerNormEps ist die Normierungs-Epsilon-Konstante der Checkpoints.
const layerNormEps = 1e-5

// ============================================================================
// ResidualAttentionBlock
// ============================================================================

// ResidualAttentionBlock ist ein Pre-Norm-Block: Attention und MLP mit
// Residual-Addition. Die Feldnamen folgen dem Checkpoint-Layout.
type ResidualAttentionBlock struct {
	Attn *nn.MultiheadAttention `sd:"attn"`
	LN1  *nn.LayerNorm          `sd:"ln_1"`
	LN2  *nn.LayerNorm          `sd:"ln_2"`
	FC   *nn.Linear             `sd:"mlp.c_fc"`
	Proj *nn.Linear             `sd:"mlp.c_proj"`

	Act  nn.Activation
	Drop *nn.Dropout
}

// NewResidualAttentionBlock alloziert einen Block mit neutralen
// Parameterwerten. mlpWidth ist die innere MLP-Breite.
func NewResidualAttentionBlock(ctx ml.Context, width, heads, mlpWidth int, act nn.Activation, dropout float32) *ResidualAttentionBlock {
	return &ResidualAttentionBlock{
		Attn: &nn.MultiheadAttention{
			InProjWeight: zeros(ctx, width, 3*width),
			InProjBias:   zeros(ctx, 3*width),
			OutProj: &nn.Linear{
				Weight: zeros(ctx, width, width),
				Bias:   zeros(ctx, width),
			},
			NumHeads: heads,
		},
		LN1:  &nn.LayerNorm{Weight: ones(ctx, width), Bias: zeros(ctx, width)},
		LN2:  &nn.LayerNorm{Weight: ones(ctx, width), Bias: zeros(ctx, width)},
		FC:   &nn.Linear{Weight: zeros(ctx, width, mlpWidth), Bias: zeros(ctx, mlpWidth)},
		Proj: &nn.Linear{Weight: zeros(ctx, mlpWidth, width), Bias: zeros(ctx, width)},
		Act:  act,
		Drop: &nn.Dropout{P: dropout},
	}
}

// Forward wendet Attention und MLP mit Residual-Addition an.
func (b *ResidualAttentionBlock) Forward(ctx ml.Context, t, mask ml.Tensor) ml.Tensor {
	t = t.Add(ctx, b.Attn.Forward(ctx, b.LN1.Forward(ctx, t, layerNormEps), mask))

	mlp := b.FC.Forward(ctx, b.LN2.Forward(ctx, t, layerNormEps))
	mlp = b.Act(ctx, mlp)
	mlp = b.Drop.Forward(ctx, mlp)
	mlp = b.Proj.Forward(ctx, mlp)

	return t.Add(ctx, mlp)
}

// initParameters belegt die Block-Gewichte mit skalierten Normalwerten.
func (b *ResidualAttentionBlock) initParameters(ctx ml.Context, rng *rand.Rand, attnStd, projStd, fcStd float64) {
	b.Attn.InProjWeight = normal(ctx, rng, attnStd, b.Attn.InProjWeight.Shape()...)
	b.Attn.InProjBias = zeros(ctx, b.Attn.InProjBias.Shape()...)
	b.Attn.OutProj.Weight = normal(ctx, rng, projStd, b.Attn.OutProj.Weight.Shape()...)
	b.Attn.OutProj.Bias = zeros(ctx, b.Attn.OutProj.Bias.Shape()...)
	b.FC.Weight = normal(ctx, rng, fcStd, b.FC.Weight.Shape()...)
	b.FC.Bias = zeros(ctx, b.FC.Bias.Shape()...)
	b.Proj.Weight = normal(ctx, rng, projStd, b.Proj.Weight.Shape()...)
	b.Proj.Bias = zeros(ctx, b.Proj.Bias.Shape()...)
	b.LN1.Weight = ones(ctx, b.LN1.Weight.Shape()...)
	b.LN1.Bias = zeros(ctx, b.LN1.Bias.Shape()...)
	b.LN2.Weight = ones(ctx, b.LN2.Weight.Shape()...)
	b.LN2.Bias = zeros(ctx, b.LN2.Bias.Shape()...)
}

// ============================================================================
// Transformer
// ============================================================================

// Transformer stapelt ResidualAttentionBlocks gleicher Breite.
type Transformer struct {
	Resblocks []*ResidualAttentionBlock `sd:"resblocks"`

	Width  int
	Layers int
	Heads  int

	gradCheckpointing bool
}

// NewTransformer baut einen Stack aus layers Bloecken. mlpRatio skaliert
// die innere MLP-Breite relativ zu width.
func NewTransformer(ctx ml.Context, width, layers, heads int, mlpRatio float64, act nn.Activation, dropout float32) *Transformer {
	mlpWidth := int(float64(width) * mlpRatio)
	blocks := make([]*ResidualAttentionBlock, layers)
	for i := range blocks {
		blocks[i] = NewResidualAttentionBlock(ctx, width, heads, mlpWidth, act, dropout)
	}

	return &Transformer{
		Resblocks: blocks,
		Width:     width,
		Layers:    layers,
		Heads:     heads,
	}
}

// Forward schickt t durch alle Bloecke. mask ist nil oder eine additive
// (seq, seq)-Maske, die jeder Block sieht.
func (m *Transformer) Forward(ctx ml.Context, t, mask ml.Tensor) ml.Tensor {
	for _, block := range m.Resblocks {
		t = block.Forward(ctx, t, mask)
	}
	return t
}

// SetGradCheckpointing merkt sich den Schalter fuer Trainer.
func (m *Transformer) SetGradCheckpointing(enabled bool) {
	m.gradCheckpointing = enabled
}

// GradCheckpointing meldet den aktuellen Schalterstand.
func (m *Transformer) GradCheckpointing() bool {
	return m.gradCheckpointing
}

// InitParameters belegt alle Bloecke mit dem CLIP-Rezept: Attention
// width^-1/2, Projektionen zusaetzlich um die Stacktiefe gedaempft.
func (m *Transformer) InitParameters(ctx ml.Context, rng *rand.Rand) {
	attnStd := math.Pow(float64(m.Width), -0.5)
	projStd := attnStd * math.Pow(float64(2*m.Layers), -0.5)
	fcStd := math.Pow(float64(2*m.Width), -0.5)
	for _, block := range m.Resblocks {
		block.initParameters(ctx, rng, attnStd, projStd, fcStd)
	}
}
