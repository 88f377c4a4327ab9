// MODUL: clip
// ZWECK: Dual-Encoder aus Bild-Turm und Text-Turm mit kontrastivem Kopf
// INPUT: Bild-Tensor (W, H, 3, N) und/oder Token-Tensor (L, N)
// OUTPUT: Embeddings bzw. normiertes Paar plus Logit-Skala
// NEBENEFFEKTE: Lock/Checkpointing loggen ueber slog
// ABHAENGIGKEITEN: ml, ml/nn, ml/backend, encoder
// HINWEISE: Text-Pooling liest den Zustand am EOT-Token, das als Token
//           mit der hoechsten ID pro Sequenz gefunden wird.

package clip

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/7blacky7/voxelclip/encoder"
	"github.com/7blacky7/voxelclip/ml"

	// Eingebaute Backends registrieren, damit Nutzer des Modells
	// direkt ml.NewBackend aufrufen koennen.
	_ "github.com/7blacky7/voxelclip/ml/backend"
	"github.com/7blacky7/voxelclip/ml/nn"
)

// initialLogitScale ist ln(1/0.07), die Start-Temperatur des
// kontrastiven Kopfs.
var initialLogitScale = float32(math.Log(1 / 0.07))

const layerNormEps = 1e-5

// ============================================================================
// CLIP
// ============================================================================

// CLIP haelt den Bild-Turm und den kanonischen Text-Turm.
type CLIP struct {
	Visual encoder.Encoder `sd:"visual"`

	TokenEmbedding      *nn.Embedding        `sd:"token_embedding"`
	PositionalEmbedding ml.Tensor            `sd:"positional_embedding"`
	Transformer         *encoder.Transformer `sd:"transformer"`
	LNFinal             *nn.LayerNorm        `sd:"ln_final"`
	TextProjection      ml.Tensor            `sd:"text_projection"`
	LogitScale          ml.Tensor            `sd:"logit_scale"`

	EmbedDim  int
	Text      TextConfig
	QuickGELU bool

	// Kausale Maske, einmal pro Sequenzlaenge gebaut.
	attnMask    ml.Tensor
	attnMaskLen int
}

// NewCLIP baut das Modell. custom ersetzt den eingebauten Bild-Turm
// durch einen externen Encoder (etwa einen vortrainierten Backbone);
// sonst entscheidet die Vision-Konfiguration: Stufen-Liste -> ResNet,
// sonst Patch-Transformer.
func NewCLIP(ctx ml.Context, embedDim int, vision VisionConfig, text TextConfig, quickGELU bool, custom encoder.Encoder) (*CLIP, error) {
	vision = vision.withDefaults()
	text = text.withDefaults()
	if err := vision.validate(); err != nil {
		return nil, err
	}

	act := nn.Activation(nn.GELU)
	if quickGELU {
		act = nn.QuickGELU
	}

	var visual encoder.Encoder
	switch {
	case custom != nil:
		visual = custom
	case len(vision.Layers) == 4:
		heads := vision.Width * 32 / vision.HeadWidth
		visual = encoder.NewModifiedResNet(ctx, [4]int(vision.Layers), embedDim, heads, vision.ImageSize, vision.Width)
	default:
		heads := vision.Width / vision.HeadWidth
		visual = encoder.NewVisionTransformer(ctx, vision.ImageSize, vision.PatchSize, vision.Width, vision.LayerCount, heads, 3, embedDim, vision.MLPRatio, act, 0)
	}

	m := &CLIP{
		Visual:              visual,
		TokenEmbedding:      &nn.Embedding{Weight: ctx.Zeros(ml.DTypeF32, text.Width, text.VocabSize)},
		PositionalEmbedding: ctx.Zeros(ml.DTypeF32, text.Width, text.ContextLength),
		Transformer:         encoder.NewTransformer(ctx, text.Width, text.Layers, text.Heads, 4, act, 0),
		LNFinal:             &nn.LayerNorm{Weight: onesTensor(ctx, text.Width), Bias: ctx.Zeros(ml.DTypeF32, text.Width)},
		TextProjection:      ctx.Zeros(ml.DTypeF32, embedDim, text.Width),
		LogitScale:          ctx.FromFloats([]float32{initialLogitScale}, 1),
		EmbedDim:            embedDim,
		Text:                text,
		QuickGELU:           quickGELU,
	}

	slog.Info("clip model built",
		"embed_dim", embedDim,
		"vision_width", vision.Width,
		"text_width", text.Width,
		"context_length", text.ContextLength,
		"quick_gelu", quickGELU)

	return m, nil
}

func onesTensor(ctx ml.Context, n int) ml.Tensor {
	data := make([]float32, n)
	for i := range data {
		data[i] = 1
	}
	return ctx.FromFloats(data, n)
}

// CausalMask baut eine additive (n, n)-Maske: -inf strikt oberhalb der
// Diagonale, also fuer Schluessel-Positionen hinter der Query.
func CausalMask(ctx ml.Context, n int) ml.Tensor {
	neg := float32(math.Inf(-1))
	data := make([]float32, n*n)
	for q := 0; q < n; q++ {
		for k := q + 1; k < n; k++ {
			data[q*n+k] = neg
		}
	}
	return ctx.FromFloats(data, n, n)
}

func (m *CLIP) causalMask(ctx ml.Context, n int) ml.Tensor {
	if m.attnMask == nil || m.attnMaskLen != n {
		m.attnMask = CausalMask(ctx, n)
		m.attnMaskLen = n
	}
	return m.attnMask
}

// EncodeImage berechnet das rohe Bild-Embedding (embed_dim, n).
func (m *CLIP) EncodeImage(ctx ml.Context, image ml.Tensor) ml.Tensor {
	return m.Visual.Forward(ctx, image)
}

// EncodeText berechnet das rohe Text-Embedding (embed_dim, n) aus
// Token-IDs (l, n). Gepoolt wird am Token mit der hoechsten ID.
func (m *CLIP) EncodeText(ctx ml.Context, tokens ml.Tensor) ml.Tensor {
	length := tokens.Dim(0)
	batch := 1
	if len(tokens.Shape()) > 1 {
		batch = tokens.Dim(1)
	}

	x := m.TokenEmbedding.Forward(ctx, tokens)
	x = x.Add(ctx, m.PositionalEmbedding.Slice(ctx, 1, 0, length, 1))
	x = m.Transformer.Forward(ctx, x, m.causalMask(ctx, length))
	x = m.LNFinal.Forward(ctx, x, layerNormEps)

	// EOT-Position pro Sequenz Go-seitig bestimmen.
	ids := tokens.Ints()
	eot := make([]int32, batch)
	for b := 0; b < batch; b++ {
		var best int32
		for i := 1; i < length; i++ {
			if ids[b*length+i] > ids[b*length+int(best)] {
				best = int32(i)
			}
		}
		eot[b] = best
	}
	pooled := x.Rows(ctx, ctx.FromInts(eot, 1, batch))
	pooled = pooled.Reshape(ctx, m.Text.Width, batch)

	return m.TextProjection.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx).Mulmat(ctx, pooled)
}

// Forward rechnet beide Tuerme. Fehlt genau eine Seite, kommt das rohe
// Embedding der anderen zurueck; sind beide da, ein L2-normiertes Paar
// plus exponenzierte Logit-Skala; fehlen beide, ein Fehler.
func (m *CLIP) Forward(ctx ml.Context, image, text ml.Tensor) (imageFeatures, textFeatures, logitScale ml.Tensor, err error) {
	switch {
	case image == nil && text == nil:
		return nil, nil, nil, fmt.Errorf("%w: need image or text", ErrNoInput)
	case image == nil:
		return nil, m.EncodeText(ctx, text), nil, nil
	case text == nil:
		return m.EncodeImage(ctx, image), nil, nil, nil
	}

	imageFeatures = m.EncodeImage(ctx, image).L2Norm(ctx, 1e-12)
	textFeatures = m.EncodeText(ctx, text).L2Norm(ctx, 1e-12)
	return imageFeatures, textFeatures, m.LogitScale.Exp(ctx), nil
}

// LockImageTower friert den Bild-Turm ein (LiT-Rezept). Teilweises
// Auftauen schlaegt fehl, wenn der Turm es nicht kann.
func (m *CLIP) LockImageTower(unlockedGroups int, freezeBNStats bool) error {
	locker, ok := m.Visual.(encoder.Locker)
	if !ok {
		return fmt.Errorf("%w: image tower cannot be locked", ErrInvalidConfig)
	}
	return locker.Lock(unlockedGroups, freezeBNStats)
}

// SetGradCheckpointing schaltet den Schalter auf beiden Tuermen.
func (m *CLIP) SetGradCheckpointing(enabled bool) {
	if gc, ok := m.Visual.(encoder.GradCheckpointer); ok {
		gc.SetGradCheckpointing(enabled)
	}
	m.Transformer.SetGradCheckpointing(enabled)
}

// InitParameters belegt beide Tuerme mit dem Trainings-Rezept.
func (m *CLIP) InitParameters(ctx ml.Context, rng *rand.Rand) {
	m.LogitScale = ctx.FromFloats([]float32{initialLogitScale}, 1)

	m.TokenEmbedding.Weight = normalTensor(ctx, rng, 0.02, m.TokenEmbedding.Weight.Shape()...)
	m.PositionalEmbedding = normalTensor(ctx, rng, 0.01, m.PositionalEmbedding.Shape()...)
	m.Transformer.InitParameters(ctx, rng)
	m.TextProjection = normalTensor(ctx, rng, math.Pow(float64(m.Text.Width), -0.5), m.TextProjection.Shape()...)

	if init, ok := m.Visual.(encoder.Initializer); ok {
		init.InitParameters(ctx, rng)
	}
}

func normalTensor(ctx ml.Context, rng *rand.Rand, std float64, shape ...int) ml.Tensor {
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
