// MODUL: clip_test
// ZWECK: Tests fuer den Dual-Encoder und das Text-Pooling
// INPUT: Miniaturkonfigurationen und Stub-Tuerme
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, math/rand
// HINWEISE: Frisch gebaute Modelle haben Null-Gewichte, Residual-
//           Bloecke sind dann Identitaet

package clip

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/7blacky7/voxelclip/ml"
)

// testContext verlaesst sich auf die Backend-Registrierung, die das
// clip-Paket selbst mitbringt.
func testContext(t *testing.T) ml.Context {
	t.Helper()
	b, err := ml.NewBackend("cpu", ml.BackendParams{NumThreads: 2})
	if err != nil {
		t.Fatalf("Backend-Init fehlgeschlagen: %v", err)
	}
	t.Cleanup(b.Close)
	return b.NewContext()
}

func floatsNear(t *testing.T, got, want []float32, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Laenge = %d, erwartet %d", len(got), len(want))
	}
	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > tol {
			t.Errorf("Wert[%d] = %f, erwartet %f", i, got[i], want[i])
		}
	}
}

// fixedEncoder ist ein Stub-Turm, der immer dasselbe Embedding liefert
type fixedEncoder struct {
	out ml.Tensor
}

func (e *fixedEncoder) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return e.out
}

func tinyText() TextConfig {
	return TextConfig{ContextLength: 4, VocabSize: 4, Width: 2, Heads: 1, Layers: 1}
}

func tinyVision() VisionConfig {
	return VisionConfig{LayerCount: 1, Width: 8, HeadWidth: 4, MLPRatio: 4, PatchSize: 4, ImageSize: 8}
}

func TestCausalMask(t *testing.T) {
	ctx := testContext(t)

	mask := CausalMask(ctx, 3)
	vals := mask.Floats()
	ninf := float32(math.Inf(-1))

	// Layout (key, query): Schluessel hinter der Query sind maskiert
	expected := []float32{
		0, ninf, ninf, // Query 0
		0, 0, ninf, // Query 1
		0, 0, 0, // Query 2
	}
	for i := range expected {
		if vals[i] != expected[i] {
			t.Errorf("Maske[%d] = %f, erwartet %f", i, vals[i], expected[i])
		}
	}
}

func TestNewCLIPInvalidVision(t *testing.T) {
	ctx := testContext(t)

	_, err := NewCLIP(ctx, 4, VisionConfig{Layers: []int{1, 1}}, tinyText(), false, nil)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, erwartet ErrInvalidConfig", err)
	}
}

func TestEncodeTextPoolsAtEOT(t *testing.T) {
	ctx := testContext(t)

	m, err := NewCLIP(ctx, 2, tinyVision(), tinyText(), false, &fixedEncoder{})
	if err != nil {
		t.Fatalf("NewCLIP: %v", err)
	}

	// Token-Embeddings bleiben null, die Positions-Embeddings markieren
	// die Position; der frische (null-initialisierte) Stack ist
	// Identitaet, die Projektion wird Identitaet gesetzt
	m.PositionalEmbedding = ctx.FromFloats([]float32{
		1, -1,
		-1, 1,
		1, -1,
		-1, 1,
	}, 2, 4)
	m.TextProjection = ctx.FromFloats([]float32{1, 0, 0, 1}, 2, 2)

	// Sequenz 0: hoechste ID an Position 0; Sequenz 1: an Position 1
	tokens := ctx.FromInts([]int32{1, 0, 0, 1}, 2, 2)
	out := m.EncodeText(ctx, tokens)

	floatsNear(t, out.Floats(), []float32{1, -1, -1, 1}, 1e-3)
}

func TestCLIPForwardBothNil(t *testing.T) {
	ctx := testContext(t)
	m, err := NewCLIP(ctx, 2, tinyVision(), tinyText(), false, &fixedEncoder{})
	if err != nil {
		t.Fatalf("NewCLIP: %v", err)
	}

	_, _, _, err = m.Forward(ctx, nil, nil)
	if !errors.Is(err, ErrNoInput) {
		t.Fatalf("err = %v, erwartet ErrNoInput", err)
	}
}

func TestCLIPForwardSingleSide(t *testing.T) {
	ctx := testContext(t)

	embed := ctx.FromFloats([]float32{3, 4}, 2, 1)
	m, err := NewCLIP(ctx, 2, tinyVision(), tinyText(), false, &fixedEncoder{out: embed})
	if err != nil {
		t.Fatalf("NewCLIP: %v", err)
	}

	// Nur Bild: rohes Embedding, keine Normierung
	img, txt, scale, err := m.Forward(ctx, ctx.Zeros(ml.DTypeF32, 1), nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if txt != nil || scale != nil {
		t.Error("einseitiger Forward liefert nur das rohe Embedding")
	}
	floatsNear(t, img.Floats(), []float32{3, 4}, 0)

	// Nur Text: Bildseite bleibt nil
	img, txt, scale, err = m.Forward(ctx, nil, ctx.FromInts([]int32{1, 0}, 2, 1))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if img != nil || scale != nil || txt == nil {
		t.Error("einseitiger Forward liefert nur das rohe Embedding")
	}
}

func TestCLIPForwardBothSides(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(21))

	embed := ctx.FromFloats([]float32{3, 4, 0, 2}, 2, 2)
	m, err := NewCLIP(ctx, 2, tinyVision(), tinyText(), true, &fixedEncoder{out: embed})
	if err != nil {
		t.Fatalf("NewCLIP: %v", err)
	}
	m.InitParameters(ctx, rng)

	tokens := ctx.FromInts([]int32{1, 0, 2, 0, 1, 3}, 3, 2)
	img, txt, scale, err := m.Forward(ctx, ctx.Zeros(ml.DTypeF32, 1), tokens)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	// Beide Seiten sind L2-normiert
	for name, features := range map[string]ml.Tensor{"Bild": img, "Text": txt} {
		vals := features.Floats()
		dim := features.Dim(0)
		for b := 0; b < features.Dim(1); b++ {
			var sum float64
			for i := 0; i < dim; i++ {
				sum += float64(vals[b*dim+i]) * float64(vals[b*dim+i])
			}
			if math.Abs(sum-1) > 1e-5 {
				t.Errorf("%s-Embedding %d: Norm^2 = %f, erwartet 1", name, b, sum)
			}
		}
	}

	// Die Skala ist exponenziert: exp(ln(1/0.07)) = 1/0.07
	floatsNear(t, scale.Floats(), []float32{1 / 0.07}, 1e-3)
}

func TestCLIPLockImageTower(t *testing.T) {
	ctx := testContext(t)

	// Stub ohne Lock-Faehigkeit
	m, err := NewCLIP(ctx, 2, tinyVision(), tinyText(), false, &fixedEncoder{})
	if err != nil {
		t.Fatalf("NewCLIP: %v", err)
	}
	if err := m.LockImageTower(0, false); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, erwartet ErrInvalidConfig", err)
	}

	// Eingebauter Patch-Transformer kann gesperrt werden
	m, err = NewCLIP(ctx, 2, tinyVision(), tinyText(), false, nil)
	if err != nil {
		t.Fatalf("NewCLIP: %v", err)
	}
	if err := m.LockImageTower(0, false); err != nil {
		t.Fatalf("LockImageTower: %v", err)
	}
	if err := m.LockImageTower(1, false); err == nil {
		t.Error("teilweises Auftauen sollte fehlschlagen")
	}
}
