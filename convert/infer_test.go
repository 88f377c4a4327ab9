// MODUL: infer_test
// ZWECK: Tests fuer Positions-Resize, Architektur-Ableitung und den
//        Torch-Entpacker
// INPUT: Synthetische StateDicts aus exportierten Miniatur-Modellen
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, math/rand, clip, encoder, gopickle/types
// HINWEISE: Der Roundtrip exportiert ein frisches CLIP und laesst die
//           Architektur komplett neu aus den Formen ableiten

package convert

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/nlpodyssey/gopickle/types"

	"github.com/7blacky7/voxelclip/clip"
	"github.com/7blacky7/voxelclip/encoder"
	"github.com/7blacky7/voxelclip/ml"
)

// ============================================================================
// Positions-Embedding
// ============================================================================

func TestResizePosEmbedNoop(t *testing.T) {
	ctx := testContext(t)
	pos := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 2, 5)

	got, err := ResizePosEmbed(ctx, pos, 5, 1)
	if err != nil {
		t.Fatalf("ResizePosEmbed fehlgeschlagen: %v", err)
	}
	if got != pos {
		t.Errorf("gleiche Positionszahl liefert nicht denselben Tensor")
	}
}

func TestResizePosEmbedGrid(t *testing.T) {
	ctx := testContext(t)

	// Klassen-Token (7, -7), Gitterteil konstant (1, 2) pro Kanal.
	data := []float32{7, -7}
	for rangeIdx := 0; rangeIdx < 4; rangeIdx++ {
		data = append(data, 1, 2)
	}
	pos := ctx.FromFloats(data, 2, 5) // 2x2-Gitter plus Sonder-Token

	got, err := ResizePosEmbed(ctx, pos, 10, 1) // auf 3x3-Gitter
	if err != nil {
		t.Fatalf("ResizePosEmbed fehlgeschlagen: %v", err)
	}

	if d0, d1 := got.Dim(0), got.Dim(1); d0 != 2 || d1 != 10 {
		t.Fatalf("Form = (%d, %d), erwartet (2, 10)", d0, d1)
	}

	vals := got.Floats()
	if vals[0] != 7 || vals[1] != -7 {
		t.Errorf("Sonder-Token = (%v, %v), erwartet (7, -7)", vals[0], vals[1])
	}
	// Bikubische Interpolation eines konstanten Felds bleibt konstant.
	for p := 1; p < 10; p++ {
		if math.Abs(float64(vals[2*p])-1) > 1e-5 || math.Abs(float64(vals[2*p+1])-2) > 1e-5 {
			t.Errorf("Position %d = (%v, %v), erwartet (1, 2)", p, vals[2*p], vals[2*p+1])
		}
	}
}

func TestResizePosEmbedNoExtraTokens(t *testing.T) {
	ctx := testContext(t)
	pos := ctx.FromFloats(make([]float32, 3*4), 3, 4) // 2x2-Gitter

	got, err := ResizePosEmbed(ctx, pos, 9, 0)
	if err != nil {
		t.Fatalf("ResizePosEmbed fehlgeschlagen: %v", err)
	}
	if d0, d1 := got.Dim(0), got.Dim(1); d0 != 3 || d1 != 9 {
		t.Errorf("Form = (%d, %d), erwartet (3, 9)", d0, d1)
	}
}

func TestResizePosEmbedNonSquare(t *testing.T) {
	ctx := testContext(t)
	pos := ctx.FromFloats(make([]float32, 2*4), 2, 4)

	_, err := ResizePosEmbed(ctx, pos, 10, 1) // 3 Gitterpositionen
	if !errors.Is(err, ErrShape) {
		t.Fatalf("ResizePosEmbed = %v, erwartet ErrShape", err)
	}
}

func TestIntSqrt(t *testing.T) {
	cases := []struct {
		n, want int
	}{
		{0, 0},
		{1, 1},
		{4, 2},
		{49, 7},
		{2, -1},
		{50, -1},
		{-3, -1},
	}
	for _, tc := range cases {
		if got := intSqrt(tc.n); got != tc.want {
			t.Errorf("intSqrt(%d) = %d, erwartet %d", tc.n, got, tc.want)
		}
	}
}

// ============================================================================
// Architektur-Ableitung
// ============================================================================

func TestCountBlocks(t *testing.T) {
	ctx := testContext(t)
	one := ctx.FromFloats([]float32{1}, 1)
	sd := StateDict{
		"transformer.resblocks.0.attn.in_proj_weight": one,
		"transformer.resblocks.0.ln_1.weight":         one,
		"transformer.resblocks.1.attn.in_proj_weight": one,
		"transformer.resblocks.11.ln_2.bias":          one,
		"transformer.resblocks.weird":                 one,
		"visual.conv1.weight":                         one,
	}

	if got := countBlocks(sd, "transformer.resblocks."); got != 3 {
		t.Errorf("countBlocks = %d, erwartet 3", got)
	}
	if got := countBlocks(sd, "visual.layer1."); got != 0 {
		t.Errorf("countBlocks(leer) = %d, erwartet 0", got)
	}
}

func TestBuildFromOpenAIStateDictViT(t *testing.T) {
	ctx := testContext(t)

	src, err := clip.NewCLIP(ctx, 8,
		clip.VisionConfig{LayerCount: 1, Width: 64, PatchSize: 4, ImageSize: 8},
		clip.TextConfig{ContextLength: 4, VocabSize: 16, Width: 64, Heads: 1, Layers: 1},
		true, nil)
	if err != nil {
		t.Fatalf("NewCLIP fehlgeschlagen: %v", err)
	}
	src.InitParameters(ctx, rand.New(rand.NewSource(7)))

	sd := Export(src)
	// Veraltete Skalare und BatchNorm-Zaehler duerfen nicht stoeren.
	sd["input_resolution"] = ctx.FromFloats([]float32{8}, 1)
	sd["context_length"] = ctx.FromFloats([]float32{4}, 1)
	sd["visual.conv1.num_batches_tracked"] = ctx.FromFloats([]float32{0}, 1)

	model, err := BuildFromOpenAIStateDict(ctx, sd)
	if err != nil {
		t.Fatalf("BuildFromOpenAIStateDict fehlgeschlagen: %v", err)
	}

	if model.EmbedDim != 8 {
		t.Errorf("EmbedDim = %d, erwartet 8", model.EmbedDim)
	}
	if !model.QuickGELU {
		t.Errorf("QuickGELU = false, erwartet true")
	}
	if model.Text.ContextLength != 4 || model.Text.VocabSize != 16 ||
		model.Text.Width != 64 || model.Text.Layers != 1 {
		t.Errorf("Text-Konfiguration = %+v, erwartet (4, 16, 64, 1)", model.Text)
	}

	vt, ok := model.Visual.(*encoder.VisionTransformer)
	if !ok {
		t.Fatalf("Bild-Turm ist %T, erwartet *encoder.VisionTransformer", model.Visual)
	}
	if vt.ImageSize != 8 || vt.PatchSize != 4 || vt.Width != 64 {
		t.Errorf("ViT = (%d, %d, %d), erwartet (8, 4, 64)", vt.ImageSize, vt.PatchSize, vt.Width)
	}
	if len(vt.Transformer.Resblocks) != 1 {
		t.Errorf("ViT-Tiefe = %d, erwartet 1", len(vt.Transformer.Resblocks))
	}

	// Projektionen landen in F16, Embeddings bleiben F32.
	if got := model.TextProjection.DType(); got != ml.DTypeF16 {
		t.Errorf("text_projection: DType = %v, erwartet F16", got)
	}
	if got := model.TokenEmbedding.Weight.DType(); got != ml.DTypeF32 {
		t.Errorf("token_embedding: DType = %v, erwartet F32", got)
	}

	// Die Parameter stammen aus dem Quellmodell.
	srcPos := src.PositionalEmbedding.Floats()
	gotPos := model.PositionalEmbedding.Floats()
	for i := range srcPos {
		if srcPos[i] != gotPos[i] {
			t.Fatalf("positional_embedding[%d] = %v, erwartet %v", i, gotPos[i], srcPos[i])
		}
	}
}

func TestBuildFromOpenAIStateDictResNet(t *testing.T) {
	ctx := testContext(t)

	src, err := clip.NewCLIP(ctx, 8,
		clip.VisionConfig{Layers: []int{1, 1, 1, 1}, Width: 8, ImageSize: 32},
		clip.TextConfig{ContextLength: 4, VocabSize: 16, Width: 64, Heads: 1, Layers: 1},
		true, nil)
	if err != nil {
		t.Fatalf("NewCLIP fehlgeschlagen: %v", err)
	}
	src.InitParameters(ctx, rand.New(rand.NewSource(11)))

	model, err := BuildFromOpenAIStateDict(ctx, Export(src))
	if err != nil {
		t.Fatalf("BuildFromOpenAIStateDict fehlgeschlagen: %v", err)
	}

	rn, ok := model.Visual.(*encoder.ModifiedResNet)
	if !ok {
		t.Fatalf("Bild-Turm ist %T, erwartet *encoder.ModifiedResNet", model.Visual)
	}
	if len(rn.Layer1) != 1 || len(rn.Layer4) != 1 {
		t.Errorf("Stufen = (%d, %d), erwartet (1, 1)", len(rn.Layer1), len(rn.Layer4))
	}
}

func TestBuildFromOpenAIStateDictMissingText(t *testing.T) {
	ctx := testContext(t)

	src, err := clip.NewCLIP(ctx, 8,
		clip.VisionConfig{LayerCount: 1, Width: 64, PatchSize: 4, ImageSize: 8},
		clip.TextConfig{ContextLength: 4, VocabSize: 16, Width: 64, Heads: 1, Layers: 1},
		true, nil)
	if err != nil {
		t.Fatalf("NewCLIP fehlgeschlagen: %v", err)
	}

	sd := Export(src)
	delete(sd, "text_projection")

	if _, err := BuildFromOpenAIStateDict(ctx, sd); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("BuildFromOpenAIStateDict = %v, erwartet ErrMissingKey", err)
	}
}

// ============================================================================
// Torch-Entpacker
// ============================================================================

func TestDictEntries(t *testing.T) {
	d := types.NewDict()
	d.Set("weight", 1)
	d.Set("bias", 2)
	d.Set(42, 3) // Nicht-String-Schluessel werden uebersprungen

	entries, err := dictEntries(d)
	if err != nil {
		t.Fatalf("dictEntries fehlgeschlagen: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("len(entries) = %d, erwartet 2", len(entries))
	}
	if entries["weight"] != 1 {
		t.Errorf("entries[weight] = %v, erwartet 1", entries["weight"])
	}

	od := types.NewOrderedDict()
	od.Set("gamma", 4)
	entries, err = dictEntries(od)
	if err != nil {
		t.Fatalf("dictEntries(OrderedDict) fehlgeschlagen: %v", err)
	}
	if entries["gamma"] != 4 {
		t.Errorf("entries[gamma] = %v, erwartet 4", entries["gamma"])
	}
}

func TestDictEntriesNotStateDict(t *testing.T) {
	_, err := dictEntries([]int{1, 2, 3})
	if !errors.Is(err, ErrNotStateDict) {
		t.Fatalf("dictEntries = %v, erwartet ErrNotStateDict", err)
	}
	if !strings.Contains(err.Error(), "[]int") {
		t.Errorf("Fehler %q nennt den Typ nicht", err)
	}
}

func TestLoadTorchMissingFile(t *testing.T) {
	ctx := testContext(t)
	if _, err := LoadTorch(ctx, t.TempDir()+"/fehlt.pt"); err == nil {
		t.Fatalf("LoadTorch auf fehlender Datei lieferte keinen Fehler")
	}
}
