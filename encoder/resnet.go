// MODUL: resnet
// ZWECK: ModifiedResNet Bild-Turm mit Attention-Pooling-Kopf
// INPUT: Bild-Tensor (W, H, 3, N)
// OUTPUT: Embedding (output_dim, N)
// NEBENEFFEKTE: Lock/SetGradCheckpointing loggen ueber slog
// ABHAENGIGKEITEN: ml, ml/nn
// HINWEISE: Drei-Conv-Stem statt Einzel-Conv, Anti-Aliasing ueber
//           Average-Pooling vor jedem Stride, Attention-Pooling statt
//           Global-Average am Kopf.

package encoder

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/chewxy/math32"

	"github.com/7blacky7/voxelclip/ml"
	"github.com/7blacky7/voxelclip/ml/nn"
)

const (
	batchNormEps = 1e-5

	// bottleneckExpansion ist der Faktor zwischen innerer und aeusserer
	// Blockbreite.
	bottleneckExpansion = 4

	// resnetReduction ist der Gesamt-Downsampling-Faktor des Turms
	// (Stem 4x, drei Stufen je 2x).
	resnetReduction = 32
)

// ============================================================================
// Bottleneck
// ============================================================================

// Bottleneck ist ein Residual-Block 1x1 -> 3x3 -> 1x1 mit Expansion 4.
// Der Stride wird nicht in der Convolution, sondern per Average-Pooling
// davor ausgefuehrt. Der Downsample-Pfad existiert genau dann, wenn
// Stride > 1 ist oder die Breite wechselt.
type Bottleneck struct {
	Conv1 *nn.Conv2D      `sd:"conv1"`
	BN1   *nn.BatchNorm2D `sd:"bn1"`
	Conv2 *nn.Conv2D      `sd:"conv2"`
	BN2   *nn.BatchNorm2D `sd:"bn2"`
	Conv3 *nn.Conv2D      `sd:"conv3"`
	BN3   *nn.BatchNorm2D `sd:"bn3"`

	DownConv *nn.Conv2D      `sd:"downsample.0"`
	DownBN   *nn.BatchNorm2D `sd:"downsample.1"`

	Stride int
}

// NewBottleneck alloziert einen Block von inplanes auf
// planes*bottleneckExpansion Kanaele.
func NewBottleneck(ctx ml.Context, inplanes, planes, stride int) *Bottleneck {
	b := &Bottleneck{
		Conv1:  &nn.Conv2D{Weight: zeros(ctx, 1, 1, inplanes, planes)},
		BN1:    newBatchNorm(ctx, planes),
		Conv2:  &nn.Conv2D{Weight: zeros(ctx, 3, 3, planes, planes)},
		BN2:    newBatchNorm(ctx, planes),
		Conv3:  &nn.Conv2D{Weight: zeros(ctx, 1, 1, planes, planes*bottleneckExpansion)},
		BN3:    newBatchNorm(ctx, planes*bottleneckExpansion),
		Stride: stride,
	}

	if stride > 1 || inplanes != planes*bottleneckExpansion {
		b.DownConv = &nn.Conv2D{Weight: zeros(ctx, 1, 1, inplanes, planes*bottleneckExpansion)}
		b.DownBN = newBatchNorm(ctx, planes*bottleneckExpansion)
	}

	return b
}

func newBatchNorm(ctx ml.Context, channels int) *nn.BatchNorm2D {
	return &nn.BatchNorm2D{
		Weight:      ones(ctx, channels),
		Bias:        zeros(ctx, channels),
		RunningMean: zeros(ctx, channels),
		RunningVar:  ones(ctx, channels),
	}
}

// Forward berechnet den Block: (w, h, inplanes, n) ->
// (w/stride, h/stride, planes*4, n).
func (b *Bottleneck) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	out := b.BN1.Forward(ctx, b.Conv1.Forward(ctx, t, 1, 1, 0, 0, 1, 1), batchNormEps).RELU(ctx)
	out = b.BN2.Forward(ctx, b.Conv2.Forward(ctx, out, 1, 1, 1, 1, 1, 1), batchNormEps).RELU(ctx)
	if b.Stride > 1 {
		out = out.AvgPool2D(ctx, b.Stride, b.Stride, 0)
	}
	out = b.BN3.Forward(ctx, b.Conv3.Forward(ctx, out, 1, 1, 0, 0, 1, 1), batchNormEps)

	identity := t
	if b.DownConv != nil {
		identity = identity.AvgPool2D(ctx, max(b.Stride, 1), max(b.Stride, 1), 0)
		identity = b.DownConv.Forward(ctx, identity, 1, 1, 0, 0, 1, 1)
		identity = b.DownBN.Forward(ctx, identity, batchNormEps)
	}

	return out.Add(ctx, identity).RELU(ctx)
}

// ============================================================================
// AttentionPool2D
// ============================================================================

// AttentionPool2D ersetzt Global-Average-Pooling: die Feature-Map wird
// als Sequenz gelesen, ein Mittelwert-Token vorangestellt, eine
// Attention-Runde gerechnet und das erste Ausgabe-Token behalten.
type AttentionPool2D struct {
	PositionalEmbedding ml.Tensor `sd:"positional_embedding"`

	QProj *nn.Linear `sd:"q_proj"`
	KProj *nn.Linear `sd:"k_proj"`
	VProj *nn.Linear `sd:"v_proj"`
	CProj *nn.Linear `sd:"c_proj"`

	NumHeads int
}

// NewAttentionPool2D alloziert den Kopf fuer eine spacialDim x spacialDim
// Feature-Map mit embedDim Kanaelen.
func NewAttentionPool2D(ctx ml.Context, spacialDim, embedDim, heads, outputDim int) *AttentionPool2D {
	return &AttentionPool2D{
		PositionalEmbedding: zeros(ctx, embedDim, spacialDim*spacialDim+1),
		QProj:               &nn.Linear{Weight: zeros(ctx, embedDim, embedDim), Bias: zeros(ctx, embedDim)},
		KProj:               &nn.Linear{Weight: zeros(ctx, embedDim, embedDim), Bias: zeros(ctx, embedDim)},
		VProj:               &nn.Linear{Weight: zeros(ctx, embedDim, embedDim), Bias: zeros(ctx, embedDim)},
		CProj:               &nn.Linear{Weight: zeros(ctx, embedDim, outputDim), Bias: zeros(ctx, outputDim)},
		NumHeads:            heads,
	}
}

// Forward poolt (w, h, c, n) auf (output_dim, n).
func (m *AttentionPool2D) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	width := t.Dim(0) * t.Dim(1)
	channels := t.Dim(2)
	batch := t.Dim(3)

	// Feature-Map als Sequenz (c, w*h, n) lesen.
	x := t.Reshape(ctx, width, channels, batch)
	x = x.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx)

	// Mittelwert-Token voranstellen.
	mean := x.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx).Mean(ctx)
	mean = mean.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx)
	x = mean.Concat(ctx, x, 1)

	x = x.Add(ctx, m.PositionalEmbedding)

	seq := width + 1
	headDim := channels / m.NumHeads

	query := m.QProj.Forward(ctx, x).Reshape(ctx, headDim, m.NumHeads, seq, batch).Permute(ctx, 0, 2, 1, 3)
	key := m.KProj.Forward(ctx, x).Reshape(ctx, headDim, m.NumHeads, seq, batch).Permute(ctx, 0, 2, 1, 3)
	value := m.VProj.Forward(ctx, x).Reshape(ctx, headDim, m.NumHeads, seq, batch).Permute(ctx, 1, 2, 0, 3)

	scores := key.MulmatFullPrec(ctx, query)
	scores = scores.Scale(ctx, 1.0/float64(math32.Sqrt(float32(headDim)))).Softmax(ctx)

	attention := value.Mulmat(ctx, scores).Permute(ctx, 0, 2, 1, 3)
	attention = attention.Contiguous(ctx).Reshape(ctx, channels, seq, batch)

	out := m.CProj.Forward(ctx, attention)

	// Nur das Mittelwert-Token behalten.
	return out.Slice(ctx, 1, 0, 1, 1).Reshape(ctx, out.Dim(0), batch)
}

// ============================================================================
// ModifiedResNet
// ============================================================================

// ModifiedResNet ist der ResNet-Bild-Turm: Drei-Conv-Stem, vier Stufen
// mit Breitenverdopplung und AttentionPool2D-Kopf.
type ModifiedResNet struct {
	Conv1 *nn.Conv2D      `sd:"conv1"`
	BN1   *nn.BatchNorm2D `sd:"bn1"`
	Conv2 *nn.Conv2D      `sd:"conv2"`
	BN2   *nn.BatchNorm2D `sd:"bn2"`
	Conv3 *nn.Conv2D      `sd:"conv3"`
	BN3   *nn.BatchNorm2D `sd:"bn3"`

	Layer1 []*Bottleneck `sd:"layer1"`
	Layer2 []*Bottleneck `sd:"layer2"`
	Layer3 []*Bottleneck `sd:"layer3"`
	Layer4 []*Bottleneck `sd:"layer4"`

	AttnPool *AttentionPool2D `sd:"attnpool"`

	ImageSize int
	Width     int
	OutputDim int

	locked bool
}

// stagePlan liefert die inneren Breiten und Strides der vier Stufen als
// reine Funktion der Basisbreite.
func stagePlan(width int) (planes [4]int, strides [4]int) {
	for i := range planes {
		planes[i] = width << i
	}
	strides = [4]int{1, 2, 2, 2}
	return planes, strides
}

// NewModifiedResNet baut den Turm. layers zaehlt die Bloecke pro Stufe,
// heads die Attention-Koepfe des Pooling-Kopfs.
func NewModifiedResNet(ctx ml.Context, layers [4]int, outputDim, heads, imageSize, width int) *ModifiedResNet {
	stem := width / 2
	m := &ModifiedResNet{
		Conv1:     &nn.Conv2D{Weight: zeros(ctx, 3, 3, 3, stem)},
		BN1:       newBatchNorm(ctx, stem),
		Conv2:     &nn.Conv2D{Weight: zeros(ctx, 3, 3, stem, stem)},
		BN2:       newBatchNorm(ctx, stem),
		Conv3:     &nn.Conv2D{Weight: zeros(ctx, 3, 3, stem, width)},
		BN3:       newBatchNorm(ctx, width),
		ImageSize: imageSize,
		Width:     width,
		OutputDim: outputDim,
	}

	planes, strides := stagePlan(width)
	inplanes := width
	stages := [4]*[]*Bottleneck{&m.Layer1, &m.Layer2, &m.Layer3, &m.Layer4}
	for i, stage := range stages {
		blocks := make([]*Bottleneck, layers[i])
		blocks[0] = NewBottleneck(ctx, inplanes, planes[i], strides[i])
		inplanes = planes[i] * bottleneckExpansion
		for j := 1; j < layers[i]; j++ {
			blocks[j] = NewBottleneck(ctx, inplanes, planes[i], 1)
		}
		*stage = blocks
	}

	embedDim := width * resnetReduction
	m.AttnPool = NewAttentionPool2D(ctx, imageSize/resnetReduction, embedDim, heads, outputDim)

	return m
}

// Forward berechnet das Bild-Embedding: (w, h, 3, n) -> (output_dim, n).
func (m *ModifiedResNet) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = m.BN1.Forward(ctx, m.Conv1.Forward(ctx, t, 2, 2, 1, 1, 1, 1), batchNormEps).RELU(ctx)
	t = m.BN2.Forward(ctx, m.Conv2.Forward(ctx, t, 1, 1, 1, 1, 1, 1), batchNormEps).RELU(ctx)
	t = m.BN3.Forward(ctx, m.Conv3.Forward(ctx, t, 1, 1, 1, 1, 1, 1), batchNormEps).RELU(ctx)
	t = t.AvgPool2D(ctx, 2, 2, 0)

	for _, stage := range [][]*Bottleneck{m.Layer1, m.Layer2, m.Layer3, m.Layer4} {
		for _, block := range stage {
			t = block.Forward(ctx, t)
		}
	}

	return m.AttnPool.Forward(ctx, t)
}

// Lock friert den kompletten Turm ein. Teilweises Auftauen einzelner
// Gruppen wird von diesem Turm nicht unterstuetzt und schlaegt fehl.
func (m *ModifiedResNet) Lock(unlockedGroups int, freezeBNStats bool) error {
	if unlockedGroups != 0 {
		return fmt.Errorf("%w: modified resnet, %d groups requested", ErrPartialUnlock, unlockedGroups)
	}

	m.locked = true
	if freezeBNStats {
		for _, bn := range m.batchNorms() {
			bn.FreezeStats()
		}
	}
	slog.Info("resnet tower locked", "freeze_bn_stats", freezeBNStats)

	return nil
}

// Locked meldet, ob der Turm eingefroren ist.
func (m *ModifiedResNet) Locked() bool {
	return m.locked
}

// SetGradCheckpointing ist fuer diesen Turm nicht implementiert und
// meldet das sichtbar, statt still zu verschlucken.
func (m *ModifiedResNet) SetGradCheckpointing(enabled bool) {
	if enabled {
		slog.Warn("gradient checkpointing not supported for modified resnet, ignoring")
	}
}

func (m *ModifiedResNet) batchNorms() []*nn.BatchNorm2D {
	norms := []*nn.BatchNorm2D{m.BN1, m.BN2, m.BN3}
	for _, stage := range [][]*Bottleneck{m.Layer1, m.Layer2, m.Layer3, m.Layer4} {
		for _, block := range stage {
			norms = append(norms, block.BN1, block.BN2, block.BN3)
			if block.DownBN != nil {
				norms = append(norms, block.DownBN)
			}
		}
	}
	return norms
}

// InitParameters belegt den Turm neu: Pooling-Projektionen mit
// embed_dim^-1/2, Convolutions mit Fan-In-Skalierung, die letzte
// Norm-Skala jedes Residual-Blocks mit Null.
func (m *ModifiedResNet) InitParameters(ctx ml.Context, rng *rand.Rand) {
	std := math.Pow(float64(m.Width*resnetReduction), -0.5)
	pool := m.AttnPool
	pool.PositionalEmbedding = normal(ctx, rng, std, pool.PositionalEmbedding.Shape()...)
	for _, proj := range []*nn.Linear{pool.QProj, pool.KProj, pool.VProj, pool.CProj} {
		proj.Weight = normal(ctx, rng, std, proj.Weight.Shape()...)
		proj.Bias = zeros(ctx, proj.Bias.Shape()...)
	}

	initConv := func(c *nn.Conv2D) {
		c.Weight = normal(ctx, rng, math.Pow(float64(fanIn(c.Weight.Shape())), -0.5), c.Weight.Shape()...)
	}
	for _, c := range []*nn.Conv2D{m.Conv1, m.Conv2, m.Conv3} {
		initConv(c)
	}
	for _, stage := range [][]*Bottleneck{m.Layer1, m.Layer2, m.Layer3, m.Layer4} {
		for _, block := range stage {
			initConv(block.Conv1)
			initConv(block.Conv2)
			initConv(block.Conv3)
			if block.DownConv != nil {
				initConv(block.DownConv)
			}
			// Residual-Zweig startet als Identitaet.
			block.BN3.Weight = zeros(ctx, block.BN3.Weight.Shape()...)
		}
	}
}
