// MODUL: config
// ZWECK: Konfigurations-Records fuer CLIP- und VoxelCLIP-Modelle
// INPUT: Von Aufrufern befuellte Structs
// OUTPUT: Validierte, unveraenderliche Konfiguration
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: encoder
// HINWEISE: Nullwerte werden ueber withDefaults auf die Checkpoint-
//           Konventionen aufgefuellt, bevor ein Modell gebaut wird.

package clip

import (
	"errors"
	"fmt"
)

// ============================================================================
// Fehler-Definitionen
// ============================================================================

var (
	ErrInvalidVoxelType = errors.New("clip: invalid voxel type")
	ErrInvalidConfig    = errors.New("clip: invalid configuration")
	ErrNoInput          = errors.New("clip: neither input provided")
)

// ============================================================================
// Voxel-Typ Diskriminator
// ============================================================================

// Geschlossene Menge der Voxel-Turm-Typen.
const (
	VoxelTypeMLP                 = "mlp"
	VoxelTypeConv3D              = "3d-conv"
	VoxelTypeEmbeddingConv3D     = "embedding-3d-conv"
	VoxelTypeVisionTransformer3D = "3d-vision-transformer"
	VoxelTypeTransformer3D       = "3d-transformer"
	VoxelTypeFlatTransformer     = "flat-transformer"
)

// ============================================================================
// Turm-Konfigurationen
// ============================================================================

// VisionConfig beschreibt den Bild-Turm. Ein gesetztes Layers-Array
// waehlt den ResNet, sonst entsteht ein Patch-Transformer mit LayerCount
// Bloecken.
type VisionConfig struct {
	Layers     []int // ResNet-Bloecke pro Stufe (Laenge 4) oder leer
	LayerCount int   // Transformer-Tiefe, wenn Layers leer ist
	Width      int
	HeadWidth  int
	MLPRatio   float64
	PatchSize  int
	ImageSize  int
}

func (c VisionConfig) withDefaults() VisionConfig {
	if c.LayerCount == 0 && len(c.Layers) == 0 {
		c.LayerCount = 12
	}
	if c.Width == 0 {
		c.Width = 768
	}
	if c.HeadWidth == 0 {
		c.HeadWidth = 64
	}
	if c.MLPRatio == 0 {
		c.MLPRatio = 4
	}
	if c.PatchSize == 0 {
		c.PatchSize = 16
	}
	if c.ImageSize == 0 {
		c.ImageSize = 224
	}
	return c
}

func (c VisionConfig) validate() error {
	if n := len(c.Layers); n != 0 && n != 4 {
		return fmt.Errorf("%w: vision layers needs 4 stage counts, got %d", ErrInvalidConfig, n)
	}
	if len(c.Layers) == 0 && c.ImageSize%c.PatchSize != 0 {
		return fmt.Errorf("%w: image size %d not divisible by patch size %d", ErrInvalidConfig, c.ImageSize, c.PatchSize)
	}
	return nil
}

// TextConfig beschreibt den Text-Turm.
type TextConfig struct {
	ContextLength int
	VocabSize     int
	Width         int
	Heads         int
	Layers        int
}

func (c TextConfig) withDefaults() TextConfig {
	if c.ContextLength == 0 {
		c.ContextLength = 77
	}
	if c.VocabSize == 0 {
		c.VocabSize = 49408
	}
	if c.Width == 0 {
		c.Width = 512
	}
	if c.Heads == 0 {
		c.Heads = 8
	}
	if c.Layers == 0 {
		c.Layers = 12
	}
	return c
}

// MLPVoxelConfig beschreibt den MLP-Voxel-Turm.
type MLPVoxelConfig struct {
	VoxelDim   int
	Layers     int
	LayerWidth int
}

func (c MLPVoxelConfig) withDefaults() MLPVoxelConfig {
	if c.VoxelDim == 0 {
		c.VoxelDim = 15756
	}
	if c.Layers == 0 {
		c.Layers = 1
	}
	if c.LayerWidth == 0 {
		c.LayerWidth = 512
	}
	return c
}

// Conv3DNetConfig beschreibt die Conv-Voxel-Tuerme. Dims ist die
// Gittergroesse, VocabSize wird nur von der Embedding-Variante gelesen.
type Conv3DNetConfig struct {
	Dims      [3]int
	VocabSize int
}

// VoxelTransformerConfig beschreibt den 3D-Patch-Transformer.
type VoxelTransformerConfig struct {
	Width  int
	Layers int
	Heads  int
}

func (c VoxelTransformerConfig) withDefaults() VoxelTransformerConfig {
	if c.Width == 0 {
		c.Width = 768
	}
	if c.Layers == 0 {
		c.Layers = 12
	}
	if c.Heads == 0 {
		c.Heads = 8
	}
	return c
}

// VoxelVisionTransformerConfig beschreibt den Kanalstapel-Turm: eine
// Gitterachse wird Kanalachse eines 2D-Patch-Transformers.
type VoxelVisionTransformerConfig struct {
	// ChannelDim ist die Gitterachse, die Kanalachse wird (0..2).
	// nil waehlt die Checkpoint-Konvention 2; Achse 0 bleibt so
	// ausdrueckbar.
	ChannelDim *int
	Channels   int
	ImageSize  int
	Layers     int
	Width      int
	HeadWidth  int
	MLPRatio   float64
	PatchSize  int
}

func (c VoxelVisionTransformerConfig) withDefaults() VoxelVisionTransformerConfig {
	if c.ChannelDim == nil {
		two := 2
		c.ChannelDim = &two
	}
	if c.Channels == 0 {
		c.Channels = 61
	}
	if c.ImageSize == 0 {
		c.ImageSize = 46
	}
	if c.Layers == 0 {
		c.Layers = 8
	}
	if c.Width == 0 {
		c.Width = 2048
	}
	if c.HeadWidth == 0 {
		c.HeadWidth = 12
	}
	if c.MLPRatio == 0 {
		c.MLPRatio = 4.3637
	}
	if c.PatchSize == 0 {
		c.PatchSize = 3
	}
	return c
}

// VoxelConfig buendelt die Turm-Konfigurationen. Pro Modell ist genau
// die zum Typ passende Teil-Konfiguration gesetzt.
type VoxelConfig struct {
	MLP               *MLPVoxelConfig
	VisionTransformer *VoxelVisionTransformerConfig
	Conv3D            *Conv3DNetConfig
	Transformer       *VoxelTransformerConfig
}

// validate prueft, dass die zum Typ passende Teil-Konfiguration gesetzt
// ist und keine fremde dagegen spricht.
func (c VoxelConfig) validate(voxelType string) error {
	need := func(ok bool, name string) error {
		if !ok {
			return fmt.Errorf("%w: %s is required for voxel type %q", ErrInvalidConfig, name, voxelType)
		}
		return nil
	}

	switch voxelType {
	case VoxelTypeMLP:
		return need(c.MLP != nil, "mlp config")
	case VoxelTypeConv3D, VoxelTypeEmbeddingConv3D:
		return need(c.Conv3D != nil, "3d-conv config")
	case VoxelTypeVisionTransformer3D:
		return need(c.VisionTransformer != nil, "2d visual transformer config")
	case VoxelTypeTransformer3D:
		return need(c.Transformer != nil, "3d transformer config")
	case VoxelTypeFlatTransformer:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidVoxelType, voxelType)
	}
}
