// MODUL: vit
// ZWECK: Vision Transformer Bild-Turm mit 2D-Patchify
// INPUT: Bild-Tensor (W, H, C, N)
// OUTPUT: Embedding (output_dim, N) bzw. (width, N) ohne Projektion
// NEBENEFFEKTE: Lock loggt ueber slog
// ABHAENGIGKEITEN: ml, ml/nn, transformer.go
// HINWEISE: Die Eingangskanalzahl ist konfigurierbar, damit der Turm
//           auch Voxel-Schnitte als Kanalstapel verarbeiten kann.

package encoder

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/7blacky7/voxelclip/ml"
	"github.com/7blacky7/voxelclip/ml/nn"
)

// VisionTransformer zerlegt das Bild in Patches, stellt ein Klassen-Token
// voran und liest dessen Endzustand als Embedding aus.
type VisionTransformer struct {
	Conv1               *nn.Conv2D    `sd:"conv1"`
	ClassEmbedding      ml.Tensor     `sd:"class_embedding"`
	PositionalEmbedding ml.Tensor     `sd:"positional_embedding"`
	LNPre               *nn.LayerNorm `sd:"ln_pre"`
	Transformer         *Transformer  `sd:"transformer"`
	LNPost              *nn.LayerNorm `sd:"ln_post"`
	Proj                ml.Tensor     `sd:"proj"`

	ImageSize int
	PatchSize int
	Width     int
	OutputDim int
	Channels  int

	locked bool
}

// NewVisionTransformer alloziert den Turm. channels ist die Zahl der
// Eingangskanaele (3 fuer RGB), outputDim 0 laesst die Projektion weg.
func NewVisionTransformer(ctx ml.Context, imageSize, patchSize, width, layers, heads, channels, outputDim int, mlpRatio float64, act nn.Activation, dropout float32) *VisionTransformer {
	grid := imageSize / patchSize
	m := &VisionTransformer{
		Conv1:               &nn.Conv2D{Weight: zeros(ctx, patchSize, patchSize, channels, width)},
		ClassEmbedding:      zeros(ctx, width),
		PositionalEmbedding: zeros(ctx, width, grid*grid+1),
		LNPre:               &nn.LayerNorm{Weight: ones(ctx, width), Bias: zeros(ctx, width)},
		Transformer:         NewTransformer(ctx, width, layers, heads, mlpRatio, act, dropout),
		LNPost:              &nn.LayerNorm{Weight: ones(ctx, width), Bias: zeros(ctx, width)},
		ImageSize:           imageSize,
		PatchSize:           patchSize,
		Width:               width,
		OutputDim:           outputDim,
		Channels:            channels,
	}
	if outputDim > 0 {
		m.Proj = zeros(ctx, outputDim, width)
	}

	return m
}

// Forward berechnet das Bild-Embedding: (w, h, channels, n) ->
// (output_dim, n).
func (m *VisionTransformer) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	batch := 1
	if len(t.Shape()) > 3 {
		batch = t.Dim(3)
	}

	x := m.Conv1.Forward(ctx, t, m.PatchSize, m.PatchSize, 0, 0, 1, 1)
	tokens := x.Dim(0) * x.Dim(1)
	x = x.Reshape(ctx, tokens, m.Width, batch)
	x = x.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx)

	// Klassen-Token pro Batch-Eintrag voranstellen.
	cls := ctx.Zeros(ml.DTypeF32, m.Width, 1, batch).Add(ctx, m.ClassEmbedding.Reshape(ctx, m.Width, 1))
	x = cls.Concat(ctx, x, 1)
	x = x.Add(ctx, m.PositionalEmbedding)

	x = m.LNPre.Forward(ctx, x, layerNormEps)
	x = m.Transformer.Forward(ctx, x, nil)

	// Nur den Endzustand des Klassen-Tokens auslesen.
	x = x.Slice(ctx, 1, 0, 1, 1).Reshape(ctx, m.Width, batch)
	x = m.LNPost.Forward(ctx, x, layerNormEps)

	if m.Proj != nil {
		x = m.Proj.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx).Mulmat(ctx, x)
	}

	return x
}

// Lock friert den kompletten Turm ein; Gruppen-Aufloesung gibt es hier
// nicht.
func (m *VisionTransformer) Lock(unlockedGroups int, freezeBNStats bool) error {
	if unlockedGroups != 0 {
		return fmt.Errorf("%w: vision transformer, %d groups requested", ErrPartialUnlock, unlockedGroups)
	}

	m.locked = true
	slog.Info("vision transformer locked")

	return nil
}

// Locked meldet, ob der Turm eingefroren ist.
func (m *VisionTransformer) Locked() bool {
	return m.locked
}

// SetGradCheckpointing reicht den Schalter an den Stack durch.
func (m *VisionTransformer) SetGradCheckpointing(enabled bool) {
	m.Transformer.SetGradCheckpointing(enabled)
}

// InitParameters belegt Token, Positions-Embedding und Projektion mit
// width^-1/2-skalierten Normalwerten und den Stack mit dem CLIP-Rezept.
func (m *VisionTransformer) InitParameters(ctx ml.Context, rng *rand.Rand) {
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
