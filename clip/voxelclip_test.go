// MODUL: voxelclip_test
// ZWECK: Tests fuer den Voxel-Dual-Encoder und den Typ-Diskriminator
// INPUT: Miniaturkonfigurationen und Stub-Tuerme
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, math/rand
// HINWEISE: Die grossen fest verdrahteten Tuerme (3d-transformer,
//           3d-vision-transformer) werden hier nicht gebaut

package clip

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/7blacky7/voxelclip/encoder"
	"github.com/7blacky7/voxelclip/ml"
)

func TestVoxelConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		voxelType string
		cfg       VoxelConfig
		wantErr   error
	}{
		{"MLP ohne Config", VoxelTypeMLP, VoxelConfig{}, ErrInvalidConfig},
		{"MLP mit Config", VoxelTypeMLP, VoxelConfig{MLP: &MLPVoxelConfig{}}, nil},
		{"Conv ohne Config", VoxelTypeConv3D, VoxelConfig{}, ErrInvalidConfig},
		{"Embedding-Conv ohne Config", VoxelTypeEmbeddingConv3D, VoxelConfig{}, ErrInvalidConfig},
		{"Transformer ohne Config", VoxelTypeTransformer3D, VoxelConfig{}, ErrInvalidConfig},
		{"Flach braucht nichts", VoxelTypeFlatTransformer, VoxelConfig{}, nil},
		{"Unbekannter Typ", "bogus", VoxelConfig{}, ErrInvalidVoxelType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate(tt.voxelType)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, erwartet %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewVoxelCLIPUnknownType(t *testing.T) {
	ctx := testContext(t)

	_, err := NewVoxelCLIP(ctx, 4, tinyVision(), VoxelConfig{}, "voxel-lstm", false, &fixedEncoder{})
	if !errors.Is(err, ErrInvalidVoxelType) {
		t.Fatalf("err = %v, erwartet ErrInvalidVoxelType", err)
	}
	// Der Fehler nennt den unbekannten Wert
	if !strings.Contains(err.Error(), "voxel-lstm") {
		t.Errorf("Fehlermeldung %q nennt den Typ nicht", err)
	}
}

func TestVoxelCLIPMLPForward(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(31))

	embed := ctx.FromFloats([]float32{1, 2, 0, 3, 1, 1, 2, 0}, 4, 2)
	m, err := NewVoxelCLIP(ctx, 4, tinyVision(),
		VoxelConfig{MLP: &MLPVoxelConfig{VoxelDim: 10, Layers: 1, LayerWidth: 8}},
		VoxelTypeMLP, false, &fixedEncoder{out: embed})
	if err != nil {
		t.Fatalf("NewVoxelCLIP: %v", err)
	}
	m.InitParameters(ctx, rng)

	voxelData := make([]float32, 10*2)
	for i := range voxelData {
		voxelData[i] = float32(rng.NormFloat64())
	}
	voxel := ctx.FromFloats(voxelData, 10, 2)

	// Nur Voxel: rohes Embedding
	img, vox, scale, err := m.Forward(ctx, nil, voxel)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if img != nil || scale != nil {
		t.Error("einseitiger Forward liefert nur das rohe Embedding")
	}
	if vox.Dim(0) != 4 || vox.Dim(1) != 2 {
		t.Fatalf("Voxel-Embedding Shape = %v, erwartet [4 2]", vox.Shape())
	}

	// Beide Seiten: normiertes Paar plus Skala
	img, vox, scale, err = m.Forward(ctx, ctx.Zeros(ml.DTypeF32, 1), voxel)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for name, features := range map[string]ml.Tensor{"Bild": img, "Voxel": vox} {
		vals := features.Floats()
		for b := 0; b < 2; b++ {
			var sum float64
			for i := 0; i < 4; i++ {
				sum += float64(vals[b*4+i]) * float64(vals[b*4+i])
			}
			if math.Abs(sum-1) > 1e-5 {
				t.Errorf("%s-Embedding %d nicht normiert: %f", name, b, sum)
			}
		}
	}
	if math.Abs(float64(scale.Floats()[0])-1/0.07) > 1e-3 {
		t.Errorf("Skala = %f, erwartet %f", scale.Floats()[0], 1/0.07)
	}
}

func TestVoxelCLIPBothNil(t *testing.T) {
	ctx := testContext(t)

	m, err := NewVoxelCLIP(ctx, 4, tinyVision(),
		VoxelConfig{MLP: &MLPVoxelConfig{VoxelDim: 10, Layers: 1, LayerWidth: 8}},
		VoxelTypeMLP, false, &fixedEncoder{})
	if err != nil {
		t.Fatalf("NewVoxelCLIP: %v", err)
	}

	if _, _, _, err := m.Forward(ctx, nil, nil); !errors.Is(err, ErrNoInput) {
		t.Fatalf("err = %v, erwartet ErrNoInput", err)
	}
}

func TestNewVoxelCLIPConvTowers(t *testing.T) {
	ctx := testContext(t)

	cfg := VoxelConfig{Conv3D: &Conv3DNetConfig{Dims: [3]int{16, 16, 16}, VocabSize: 32}}

	m, err := NewVoxelCLIP(ctx, 4, tinyVision(), cfg, VoxelTypeConv3D, false, &fixedEncoder{})
	if err != nil {
		t.Fatalf("3d-conv: %v", err)
	}
	if _, ok := m.VoxelEncoder.(*encoder.Conv3DEncoder); !ok {
		t.Errorf("Voxel-Turm ist %T, erwartet Conv3DEncoder", m.VoxelEncoder)
	}

	m, err = NewVoxelCLIP(ctx, 4, tinyVision(), cfg, VoxelTypeEmbeddingConv3D, false, &fixedEncoder{})
	if err != nil {
		t.Fatalf("embedding-3d-conv: %v", err)
	}
	if _, ok := m.VoxelEncoder.(*encoder.EmbeddingConv3DEncoder); !ok {
		t.Errorf("Voxel-Turm ist %T, erwartet EmbeddingConv3DEncoder", m.VoxelEncoder)
	}
}

func TestNewVoxelCLIPConvTooSmall(t *testing.T) {
	ctx := testContext(t)

	cfg := VoxelConfig{Conv3D: &Conv3DNetConfig{Dims: [3]int{4, 4, 4}}}
	if _, err := NewVoxelCLIP(ctx, 4, tinyVision(), cfg, VoxelTypeConv3D, false, &fixedEncoder{}); err == nil {
		t.Fatal("kollabierendes Gitter sollte den Bau abbrechen")
	}
}

func TestNewVoxelCLIPFlat(t *testing.T) {
	ctx := testContext(t)

	m, err := NewVoxelCLIP(ctx, 4, tinyVision(), VoxelConfig{}, VoxelTypeFlatTransformer, false, &fixedEncoder{})
	if err != nil {
		t.Fatalf("flat-transformer: %v", err)
	}
	flat, ok := m.VoxelEncoder.(*encoder.FlatTransformer)
	if !ok {
		t.Fatalf("Voxel-Turm ist %T, erwartet FlatTransformer", m.VoxelEncoder)
	}
	if flat.Width != 512 {
		t.Errorf("Breite = %d, erwartet 512", flat.Width)
	}
}

func TestVoxelCLIPLockDelegates(t *testing.T) {
	ctx := testContext(t)

	// Eingebauter Bild-Turm kann gesperrt werden
	m, err := NewVoxelCLIP(ctx, 4, tinyVision(),
		VoxelConfig{MLP: &MLPVoxelConfig{VoxelDim: 10, Layers: 1, LayerWidth: 8}},
		VoxelTypeMLP, false, nil)
	if err != nil {
		t.Fatalf("NewVoxelCLIP: %v", err)
	}
	if err := m.LockImageTower(0, false); err != nil {
		t.Fatalf("LockImageTower: %v", err)
	}

	// Stub ohne Lock-Faehigkeit
	m, err = NewVoxelCLIP(ctx, 4, tinyVision(),
		VoxelConfig{MLP: &MLPVoxelConfig{VoxelDim: 10, Layers: 1, LayerWidth: 8}},
		VoxelTypeMLP, false, &fixedEncoder{})
	if err != nil {
		t.Fatalf("NewVoxelCLIP: %v", err)
	}
	if err := m.LockImageTower(0, false); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, erwartet ErrInvalidConfig", err)
	}
}

func TestVoxelVisionTransformerChannelDim(t *testing.T) {
	got := VoxelVisionTransformerConfig{}.withDefaults()
	if got.ChannelDim == nil || *got.ChannelDim != 2 {
		t.Errorf("ChannelDim = %v, erwartet 2", got.ChannelDim)
	}

	// Achse 0 ist ausdrueckbar und darf nicht ueberschrieben werden.
	zero := 0
	got = VoxelVisionTransformerConfig{ChannelDim: &zero}.withDefaults()
	if got.ChannelDim == nil || *got.ChannelDim != 0 {
		t.Errorf("ChannelDim = %v, erwartet 0", got.ChannelDim)
	}
}
