// MODUL: vit3d
// ZWECK: Vision Transformer fuer Voxel-Gitter mit 3D-Patchify
// INPUT: Voxel-Tensor (W, H, D, C*N) mit C Kanaelen
// OUTPUT: Embedding (output_dim, N)
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: ml, ml/nn, transformer.go
// HINWEISE: Positionszahl ist das Produkt der drei Gitterachsen plus
//           ein Klassen-Token; die Achsen duerfen verschieden gross sein.

package encoder

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/7blacky7/voxelclip/ml"
	"github.com/7blacky7/voxelclip/ml/nn"
)

// VisionTransformer3D zerlegt ein Voxel-Gitter in kubische Patches und
// verarbeitet sie wie eine 2D-Patch-Sequenz.
type VisionTransformer3D struct {
	Conv1               *nn.Conv3D    `sd:"conv1"`
	ClassEmbedding      ml.Tensor     `sd:"class_embedding"`
	PositionalEmbedding ml.Tensor     `sd:"position_embedding"`
	LNPre               *nn.LayerNorm `sd:"ln_pre"`
	Transformer         *Transformer  `sd:"transformer"`
	LNPost              *nn.LayerNorm `sd:"ln_post"`
	Proj                ml.Tensor     `sd:"proj"`

	GridSize  [3]int
	PatchSize int
	Width     int
	OutputDim int
	Channels  int

	locked bool
}

// NewVisionTransformer3D alloziert den Turm fuer ein Gitter der Groesse
// voxelSize. Achsen, die kein Vielfaches der Patch-Groesse sind, werden
// am Rand abgeschnitten (Gitter = Achse / Patch, abgerundet).
func NewVisionTransformer3D(ctx ml.Context, voxelSize [3]int, patchSize, width, layers, heads, channels, outputDim int, mlpRatio float64, act nn.Activation, dropout float32) (*VisionTransformer3D, error) {
	var grid [3]int
	for i, d := range voxelSize {
		if d < patchSize {
			return nil, fmt.Errorf("%w: voxel axis %d (%d) smaller than patch size %d", ErrConfig, i, d, patchSize)
		}
		grid[i] = d / patchSize
	}

	positions := grid[0]*grid[1]*grid[2] + 1
	m := &VisionTransformer3D{
		Conv1:               &nn.Conv3D{Weight: zeros(ctx, patchSize, patchSize, patchSize, channels*width)},
		ClassEmbedding:      zeros(ctx, width),
		PositionalEmbedding: zeros(ctx, width, positions),
		LNPre:               &nn.LayerNorm{Weight: ones(ctx, width), Bias: zeros(ctx, width)},
		Transformer:         NewTransformer(ctx, width, layers, heads, mlpRatio, act, dropout),
		LNPost:              &nn.LayerNorm{Weight: ones(ctx, width), Bias: zeros(ctx, width)},
		GridSize:            grid,
		PatchSize:           patchSize,
		Width:               width,
		OutputDim:           outputDim,
		Channels:            channels,
	}
	if outputDim > 0 {
		m.Proj = zeros(ctx, outputDim, width)
	}

	return m, nil
}

// Forward berechnet das Voxel-Embedding: (w, h, d, channels*n) ->
// (output_dim, n).
func (m *VisionTransformer3D) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	batch := t.Dim(3) / m.Channels

	p := m.PatchSize
	x := m.Conv1.Forward(ctx, t, m.Channels, p, p, p, 0, 0, 0, 1, 1, 1)
	tokens := x.Dim(0) * x.Dim(1) * x.Dim(2)
	x = x.Reshape(ctx, tokens, m.Width, batch)
	x = x.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx)

	cls := ctx.Zeros(ml.DTypeF32, m.Width, 1, batch).Add(ctx, m.ClassEmbedding.Reshape(ctx, m.Width, 1))
	x = cls.Concat(ctx, x, 1)
	x = x.Add(ctx, m.PositionalEmbedding)

	x = m.LNPre.Forward(ctx, x, layerNormEps)
	x = m.Transformer.Forward(ctx, x, nil)

	x = x.Slice(ctx, 1, 0, 1, 1).Reshape(ctx, m.Width, batch)
	x = m.LNPost.Forward(ctx, x, layerNormEps)

	if m.Proj != nil {
		x = m.Proj.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx).Mulmat(ctx, x)
	}

	return x
}

// Lock friert den kompletten Turm ein.
func (m *VisionTransformer3D) Lock(unlockedGroups int, freezeBNStats bool) error {
	if unlockedGroups != 0 {
		return fmt.Errorf("%w: 3d vision transformer, %d groups requested", ErrPartialUnlock, unlockedGroups)
	}

	m.locked = true
	slog.Info("3d vision transformer locked")

	return nil
}

// Locked meldet, ob der Turm eingefroren ist.
func (m *VisionTransformer3D) Locked() bool {
	return m.locked
}

// SetGradCheckpointing reicht den Schalter an den Stack durch.
func (m *VisionTransformer3D) SetGradCheckpointing(enabled bool) {
	m.Transformer.SetGradCheckpointing(enabled)
}

// InitParameters folgt dem 2D-Rezept.
func (m *VisionTransformer3D) InitParameters(ctx ml.Context, rng *rand.Rand) {
	scale := math.Pow(float64(m.Width), -0.5)
	m.ClassEmbedding = normal(ctx, rng, scale, m.ClassEmbedding.Shape()...)
	m.PositionalEmbedding = normal(ctx, rng, scale, m.PositionalEmbedding.Shape()...)
	if m.Proj != nil {
		m.Proj = normal(ctx, rng, scale, m.Proj.Shape()...)
	}
	m.Conv1.Weight = normal(ctx, rng, math.Pow(float64(fanIn(m.Conv1.Weight.Shape())), -0.5), m.Conv1.Weight.Shape()...)
	m.LNPre.Weight = ones(ctx, m.LNPre.Weight.Shape()...)
	m.LNPre.Bias = zeros(ctx, m.LNPre.Bias.Shape()...)
	m.LNPost.Weight = ones(ctx, m.LNPost.Weight.Shape()...)
	m.LNPost.Bias = zeros(ctx, m.LNPost.Bias.Shape()...)
	m.Transformer.InitParameters(ctx, rng)
}
