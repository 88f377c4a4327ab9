// MODUL: voxelclip
// ZWECK: Dual-Encoder aus Bild-Turm und Voxel-Turm
// INPUT: Bild-Tensor und/oder Voxel-Tensor (Layout je nach Turm-Typ)
// OUTPUT: Embeddings bzw. normiertes Paar plus Logit-Skala
// NEBENEFFEKTE: Konstruktion loggt den gewaehlten Turm-Typ
// ABHAENGIGKEITEN: ml, ml/nn, encoder, config.go
// HINWEISE: Der Voxel-Turm wird ueber einen geschlossenen String-
//           Diskriminator gewaehlt; unbekannte Werte schlagen beim Bau
//           fehl und nennen den Wert.

package clip

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/7blacky7/voxelclip/encoder"
	"github.com/7blacky7/voxelclip/ml"
	"github.com/7blacky7/voxelclip/ml/nn"
)

// transformer3DSpace ist das fest verdrahtete Gitter des
// 3d-transformer-Turms (trainiertes Checkpoint-Layout).
var transformer3DSpace = [3]int{42, 46, 61}

// VoxelCLIP haelt den Bild-Turm und einen der Voxel-Tuerme.
type VoxelCLIP struct {
	Visual       encoder.Encoder `sd:"visual"`
	VoxelEncoder encoder.Encoder `sd:"voxel_encoder"`
	LogitScale   ml.Tensor       `sd:"logit_scale"`

	EmbedDim  int
	VoxelType string
	QuickGELU bool
}

// NewVoxelCLIP baut das Modell. custom ersetzt den eingebauten
// Bild-Turm; der Voxel-Turm folgt voxelType und der passenden
// Teil-Konfiguration.
func NewVoxelCLIP(ctx ml.Context, embedDim int, vision VisionConfig, voxel VoxelConfig, voxelType string, quickGELU bool, custom encoder.Encoder) (*VoxelCLIP, error) {
	vision = vision.withDefaults()
	if err := vision.validate(); err != nil {
		return nil, err
	}
	if err := voxel.validate(voxelType); err != nil {
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

	slog.Info("building voxel tower", "type", voxelType)

	var voxelEncoder encoder.Encoder
	var err error
	switch voxelType {
	case VoxelTypeMLP:
		cfg := voxel.MLP.withDefaults()
		voxelEncoder, err = encoder.NewMLP(ctx, cfg.VoxelDim, cfg.LayerWidth, cfg.Layers, embedDim)

	case VoxelTypeConv3D:
		voxelEncoder, err = encoder.NewConv3DEncoder(ctx, voxel.Conv3D.Dims, encoder.DefaultConv3DLayout(64), 1, 2, 8, embedDim, false, act, 0)

	case VoxelTypeEmbeddingConv3D:
		voxelEncoder, err = encoder.NewEmbeddingConv3DEncoder(ctx, voxel.Conv3D.Dims, encoder.DefaultConv3DLayout(64), voxel.Conv3D.VocabSize, 64, 2, 8, embedDim, false, act, 0)

	case VoxelTypeVisionTransformer3D:
		cfg := voxel.VisionTransformer.withDefaults()
		inner := encoder.NewVisionTransformer(ctx, cfg.ImageSize, cfg.PatchSize, cfg.Width, cfg.Layers, cfg.Width/cfg.HeadWidth, cfg.Channels, embedDim, cfg.MLPRatio, act, 0.2)
		voxelEncoder, err = encoder.NewVoxel2DAdapter(inner, *cfg.ChannelDim)

	case VoxelTypeTransformer3D:
		voxelEncoder, err = encoder.NewVisionTransformer3D(ctx, transformer3DSpace, 8, 1408, 14, 8, 1, embedDim, 4.3637, act, 0.4)

	case VoxelTypeFlatTransformer:
		voxelEncoder = encoder.NewFlatTransformer(ctx, 512, 4, 8, embedDim, 4, act, 0.4)

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidVoxelType, voxelType)
	}
	if err != nil {
		return nil, err
	}

	return &VoxelCLIP{
		Visual:       visual,
		VoxelEncoder: voxelEncoder,
		LogitScale:   ctx.FromFloats([]float32{initialLogitScale}, 1),
		EmbedDim:     embedDim,
		VoxelType:    voxelType,
		QuickGELU:    quickGELU,
	}, nil
}

// EncodeImage berechnet das rohe Bild-Embedding (embed_dim, n).
func (m *VoxelCLIP) EncodeImage(ctx ml.Context, image ml.Tensor) ml.Tensor {
	return m.Visual.Forward(ctx, image)
}

// EncodeVoxel berechnet das rohe Voxel-Embedding (embed_dim, n).
func (m *VoxelCLIP) EncodeVoxel(ctx ml.Context, voxel ml.Tensor) ml.Tensor {
	return m.VoxelEncoder.Forward(ctx, voxel)
}

// Forward rechnet beide Tuerme mit derselben Randbehandlung wie CLIP.
func (m *VoxelCLIP) Forward(ctx ml.Context, image, voxel ml.Tensor) (imageFeatures, voxelFeatures, logitScale ml.Tensor, err error) {
	switch {
	case image == nil && voxel == nil:
		return nil, nil, nil, fmt.Errorf("%w: need image or voxel", ErrNoInput)
	case image == nil:
		return nil, m.EncodeVoxel(ctx, voxel), nil, nil
	case voxel == nil:
		return m.EncodeImage(ctx, image), nil, nil, nil
	}

	imageFeatures = m.EncodeImage(ctx, image).L2Norm(ctx, 1e-12)
	voxelFeatures = m.EncodeVoxel(ctx, voxel).L2Norm(ctx, 1e-12)
	return imageFeatures, voxelFeatures, m.LogitScale.Exp(ctx), nil
}

// LockImageTower friert den Bild-Turm ein.
func (m *VoxelCLIP) LockImageTower(unlockedGroups int, freezeBNStats bool) error {
	locker, ok := m.Visual.(encoder.Locker)
	if !ok {
		return fmt.Errorf("%w: image tower cannot be locked", ErrInvalidConfig)
	}
	return locker.Lock(unlockedGroups, freezeBNStats)
}

// SetGradCheckpointing schaltet den Schalter auf beiden Tuermen.
func (m *VoxelCLIP) SetGradCheckpointing(enabled bool) {
	if gc, ok := m.Visual.(encoder.GradCheckpointer); ok {
		gc.SetGradCheckpointing(enabled)
	}
	if gc, ok := m.VoxelEncoder.(encoder.GradCheckpointer); ok {
		gc.SetGradCheckpointing(enabled)
	}
}

// InitParameters setzt die Logit-Skala zurueck und initialisiert beide
// Tuerme, soweit sie es anbieten.
func (m *VoxelCLIP) InitParameters(ctx ml.Context, rng *rand.Rand) {
	m.LogitScale = ctx.FromFloats([]float32{initialLogitScale}, 1)

	if init, ok := m.Visual.(encoder.Initializer); ok {
		init.InitParameters(ctx, rng)
	}
	if init, ok := m.VoxelEncoder.(encoder.Initializer); ok {
		init.InitParameters(ctx, rng)
	}
}
