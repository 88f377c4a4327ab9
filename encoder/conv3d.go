// MODUL: conv3d
// ZWECK: Convolutional Voxel-Encoder mit kurzem Attention-Nachlauf
// INPUT: Voxel-Tensor (W, H, D, C*N), die Embedding-Variante nimmt
//        kategoriale IDs (W, H, D, N)
// OUTPUT: Embedding (output_dim, N)
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: ml, ml/nn, transformer.go
// HINWEISE: Die Gittergroesse nach dem Conv-Stack folgt exakt der
//           Arithmetik floor((d + 2p - dil*(k-1) - 1)/s + 1) pro Achse.

package encoder

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/7blacky7/voxelclip/ml"
	"github.com/7blacky7/voxelclip/ml/nn"
)

// ============================================================================
// ConvBlock3D
// ============================================================================

// ConvBlock3D buendelt Conv3D, Dropout und Aktivierung.
type ConvBlock3D struct {
	Conv *nn.Conv3D `sd:"conv"`
	Drop *nn.Dropout
	Act  nn.Activation

	In       int
	Out      int
	Kernel   int
	Stride   int
	Padding  int
	Dilation int
}

// Forward berechnet den Block auf (w, h, d, in*n).
func (b *ConvBlock3D) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = b.Conv.Forward(ctx, t, b.In, b.Stride, b.Stride, b.Stride, b.Padding, b.Padding, b.Padding, b.Dilation, b.Dilation, b.Dilation)
	t = b.Drop.Forward(ctx, t)
	return b.Act(ctx, t)
}

// convOut ist die Ausgabelaenge einer Achse nach einer Convolution.
func convOut(d, k, s, p, dil int) int {
	return (d+2*p-dil*(k-1)-1)/s + 1
}

// ============================================================================
// Conv3DEncoder
// ============================================================================

// Conv3DLayout beschreibt den Conv-Stack pro Layer. Alle Slices muessen
// gleich lang sein.
type Conv3DLayout struct {
	Channels  []int
	Strides   []int
	Paddings  []int
	Kernels   []int
	Dilations []int
}

// validate prueft die Laengen und benennt sie im Fehlerfall.
func (l Conv3DLayout) validate() error {
	n := len(l.Channels)
	if len(l.Strides) != n || len(l.Paddings) != n || len(l.Kernels) != n || len(l.Dilations) != n {
		return fmt.Errorf("%w: conv3d layout lengths differ: channels=%d strides=%d paddings=%d kernels=%d dilations=%d",
			ErrConfig, n, len(l.Strides), len(l.Paddings), len(l.Kernels), len(l.Dilations))
	}
	if n == 0 {
		return fmt.Errorf("%w: conv3d layout is empty", ErrConfig)
	}
	return nil
}

// DefaultConv3DLayout ist der Stack der Standard-Variante: sechs Layer,
// die letzte Kanalzahl ist die Attention-Breite.
func DefaultConv3DLayout(attentionWidth int) Conv3DLayout {
	return Conv3DLayout{
		Channels:  []int{64, 128, 256, 256, 256, attentionWidth},
		Strides:   []int{1, 1, 1, 2, 2, 2},
		Paddings:  []int{1, 1, 1, 0, 1, 0},
		Kernels:   []int{3, 3, 3, 3, 3, 3},
		Dilations: []int{1, 1, 1, 1, 1, 1},
	}
}

// ClassConv3DLayout ist der tiefere Stack der Klassen-Token-Variante.
func ClassConv3DLayout(width int) Conv3DLayout {
	return Conv3DLayout{
		Channels:  []int{64, 128, 256, 256, 256, 256, width},
		Strides:   []int{1, 1, 1, 2, 1, 2, 2},
		Paddings:  []int{1, 1, 1, 1, 1, 1, 1},
		Kernels:   []int{3, 3, 3, 3, 3, 3, 3},
		Dilations: []int{1, 1, 1, 1, 1, 1, 1},
	}
}

// Conv3DEncoder verarbeitet ein Voxel-Gitter mit einem Conv-Stack, einem
// kurzen Attention-Stack ueber die verbleibenden Positionen und einem
// Kopf, der entweder mittelt und projiziert oder alles flach durch eine
// lineare Schicht schickt.
type Conv3DEncoder struct {
	Blocks      []*ConvBlock3D `sd:"blocks"`
	Transformer *Transformer   `sd:"transformer"`
	Proj        ml.Tensor      `sd:"proj"`
	Head        *nn.Linear     `sd:"head"`

	InChannels    int
	Width         int
	OutputDim     int
	Positions     int
	AverageOutput bool
}

// NewConv3DEncoder baut den Encoder fuer ein Gitter der Groesse
// voxelSize. Die letzte Layout-Kanalzahl ist die Attention-Breite.
func NewConv3DEncoder(ctx ml.Context, voxelSize [3]int, layout Conv3DLayout, inChannels, attnLayers, attnHeads, outputDim int, averageOutput bool, act nn.Activation, dropout float32) (*Conv3DEncoder, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}

	width := layout.Channels[len(layout.Channels)-1]
	m := &Conv3DEncoder{
		Transformer:   NewTransformer(ctx, width, attnLayers, attnHeads, 4, act, dropout),
		InChannels:    inChannels,
		Width:         width,
		OutputDim:     outputDim,
		AverageOutput: averageOutput,
	}

	dims := voxelSize
	in := inChannels
	for i, out := range layout.Channels {
		k, s, p, dil := layout.Kernels[i], layout.Strides[i], layout.Paddings[i], layout.Dilations[i]
		m.Blocks = append(m.Blocks, &ConvBlock3D{
			Conv:     &nn.Conv3D{Weight: zeros(ctx, k, k, k, in*out), Bias: zeros(ctx, out)},
			Drop:     &nn.Dropout{P: 0.1},
			Act:      act,
			In:       in,
			Out:      out,
			Kernel:   k,
			Stride:   s,
			Padding:  p,
			Dilation: dil,
		})
		for a := range dims {
			dims[a] = convOut(dims[a], k, s, p, dil)
			if dims[a] < 1 {
				return nil, fmt.Errorf("%w: conv3d layer %d collapses axis %d to %d", ErrConfig, i, a, dims[a])
			}
		}
		in = out
	}

	m.Positions = dims[0] * dims[1] * dims[2]
	if averageOutput {
		m.Proj = zeros(ctx, outputDim, width)
	} else {
		m.Head = &nn.Linear{
			Weight: zeros(ctx, width*m.Positions, outputDim),
			Bias:   zeros(ctx, outputDim),
		}
	}

	return m, nil
}

// Forward berechnet das Voxel-Embedding: (w, h, d, in*n) ->
// (output_dim, n).
func (m *Conv3DEncoder) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	batch := t.Dim(3) / m.InChannels
	for _, block := range m.Blocks {
		t = block.Forward(ctx, t)
	}

	tokens := t.Dim(0) * t.Dim(1) * t.Dim(2)
	x := t.Reshape(ctx, tokens, m.Width, batch)
	x = x.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx)

	x = m.Transformer.Forward(ctx, x, nil)

	if m.AverageOutput {
		mean := x.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx).Mean(ctx)
		mean = mean.Reshape(ctx, m.Width, batch)
		return m.Proj.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx).Mulmat(ctx, mean)
	}

	flat := x.Reshape(ctx, m.Width*tokens, batch)
	return m.Head.Forward(ctx, flat)
}

// SetGradCheckpointing reicht den Schalter an den Attention-Stack durch.
func (m *Conv3DEncoder) SetGradCheckpointing(enabled bool) {
	m.Transformer.SetGradCheckpointing(enabled)
}

// InitParameters belegt Convs mit Fan-In-Skalierung und den Kopf mit
// width^-1/2.
func (m *Conv3DEncoder) InitParameters(ctx ml.Context, rng *rand.Rand) {
	for _, block := range m.Blocks {
		block.Conv.Weight = normal(ctx, rng, math.Pow(float64(fanIn(block.Conv.Weight.Shape())), -0.5), block.Conv.Weight.Shape()...)
		block.Conv.Bias = zeros(ctx, block.Conv.Bias.Shape()...)
	}
	scale := math.Pow(float64(m.Width), -0.5)
	if m.Proj != nil {
		m.Proj = normal(ctx, rng, scale, m.Proj.Shape()...)
	}
	if m.Head != nil {
		m.Head.Weight = normal(ctx, rng, scale, m.Head.Weight.Shape()...)
		m.Head.Bias = zeros(ctx, m.Head.Bias.Shape()...)
	}
	m.Transformer.InitParameters(ctx, rng)
}

// ============================================================================
// ClassConv3DEncoder
// ============================================================================

// ClassConv3DEncoder haengt an den Conv-Stack ein Klassen-Token und
// liest dessen Endzustand als Embedding aus.
type ClassConv3DEncoder struct {
	Blocks         []*ConvBlock3D `sd:"blocks"`
	ClassEmbedding ml.Tensor      `sd:"class_embedding"`
	Transformer    *Transformer   `sd:"transformer"`
	Proj           ml.Tensor      `sd:"proj"`

	InChannels int
	Width      int
	OutputDim  int
	Positions  int
}

// NewClassConv3DEncoder baut die Klassen-Token-Variante.
func NewClassConv3DEncoder(ctx ml.Context, voxelSize [3]int, layout Conv3DLayout, inChannels, attnLayers, attnHeads, outputDim int, act nn.Activation, dropout float32) (*ClassConv3DEncoder, error) {
	inner, err := NewConv3DEncoder(ctx, voxelSize, layout, inChannels, attnLayers, attnHeads, outputDim, true, act, dropout)
	if err != nil {
		return nil, err
	}

	return &ClassConv3DEncoder{
		Blocks:         inner.Blocks,
		ClassEmbedding: zeros(ctx, inner.Width),
		Transformer:    inner.Transformer,
		Proj:           inner.Proj,
		InChannels:     inChannels,
		Width:          inner.Width,
		OutputDim:      outputDim,
		Positions:      inner.Positions,
	}, nil
}

// Forward berechnet das Voxel-Embedding ueber das Klassen-Token.
func (m *ClassConv3DEncoder) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	batch := t.Dim(3) / m.InChannels
	for _, block := range m.Blocks {
		t = block.Forward(ctx, t)
	}

	tokens := t.Dim(0) * t.Dim(1) * t.Dim(2)
	x := t.Reshape(ctx, tokens, m.Width, batch)
	x = x.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx)

	cls := ctx.Zeros(ml.DTypeF32, m.Width, 1, batch).Add(ctx, m.ClassEmbedding.Reshape(ctx, m.Width, 1))
	x = cls.Concat(ctx, x, 1)

	x = m.Transformer.Forward(ctx, x, nil)

	x = x.Slice(ctx, 1, 0, 1, 1).Reshape(ctx, m.Width, batch)
	return m.Proj.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx).Mulmat(ctx, x)
}

// SetGradCheckpointing reicht den Schalter an den Attention-Stack durch.
func (m *ClassConv3DEncoder) SetGradCheckpointing(enabled bool) {
	m.Transformer.SetGradCheckpointing(enabled)
}

// InitParameters folgt dem Rezept der Basisvariante plus Klassen-Token.
func (m *ClassConv3DEncoder) InitParameters(ctx ml.Context, rng *rand.Rand) {
	for _, block := range m.Blocks {
		block.Conv.Weight = normal(ctx, rng, math.Pow(float64(fanIn(block.Conv.Weight.Shape())), -0.5), block.Conv.Weight.Shape()...)
		block.Conv.Bias = zeros(ctx, block.Conv.Bias.Shape()...)
	}
	scale := math.Pow(float64(m.Width), -0.5)
	m.ClassEmbedding = normal(ctx, rng, scale, m.ClassEmbedding.Shape()...)
	m.Proj = normal(ctx, rng, scale, m.Proj.Shape()...)
	m.Transformer.InitParameters(ctx, rng)
}

// ============================================================================
// EmbeddingConv3DEncoder
// ============================================================================

// EmbeddingConv3DEncoder schlaegt kategoriale Voxel-IDs in einer
// Lookup-Tabelle nach und schickt das Ergebnis durch den Conv-Stack.
type EmbeddingConv3DEncoder struct {
	Embedding *nn.Embedding  `sd:"embedding"`
	Inner     *Conv3DEncoder `sd:"inner"`

	VocabSize int
}

// NewEmbeddingConv3DEncoder baut die Variante fuer kategoriale Gitter.
// Die Kanalzahl des Conv-Stacks ist die Embedding-Breite.
func NewEmbeddingConv3DEncoder(ctx ml.Context, voxelSize [3]int, layout Conv3DLayout, vocabSize, embedWidth, attnLayers, attnHeads, outputDim int, averageOutput bool, act nn.Activation, dropout float32) (*EmbeddingConv3DEncoder, error) {
	if vocabSize < 1 {
		return nil, fmt.Errorf("%w: embedding vocab size %d", ErrConfig, vocabSize)
	}

	inner, err := NewConv3DEncoder(ctx, voxelSize, layout, embedWidth, attnLayers, attnHeads, outputDim, averageOutput, act, dropout)
	if err != nil {
		return nil, err
	}

	return &EmbeddingConv3DEncoder{
		Embedding: &nn.Embedding{Weight: zeros(ctx, embedWidth, vocabSize)},
		Inner:     inner,
		VocabSize: vocabSize,
	}, nil
}

// Forward schlaegt (w, h, d, n) IDs nach und berechnet das Embedding.
func (m *EmbeddingConv3DEncoder) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	w, h, d := t.Dim(0), t.Dim(1), t.Dim(2)
	batch := 1
	if len(t.Shape()) > 3 {
		batch = t.Dim(3)
	}

	ids := t.Reshape(ctx, w*h*d, batch)
	x := m.Embedding.Forward(ctx, ids)

	// (c, w*h*d, n) in das Kanal-Layout (w, h, d, c*n) bringen.
	x = x.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx)
	x = x.Reshape(ctx, w, h, d, -1)

	return m.Inner.Forward(ctx, x)
}

// SetGradCheckpointing reicht den Schalter durch.
func (m *EmbeddingConv3DEncoder) SetGradCheckpointing(enabled bool) {
	m.Inner.SetGradCheckpointing(enabled)
}

// InitParameters belegt die Tabelle mit std 0.02 und den Stack mit dem
// Basis-Rezept.
func (m *EmbeddingConv3DEncoder) InitParameters(ctx ml.Context, rng *rand.Rand) {
	m.Embedding.Weight = normal(ctx, rng, 0.02, m.Embedding.Weight.Shape()...)
	m.Inner.InitParameters(ctx, rng)
}
