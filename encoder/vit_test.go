// MODUL: vit_test
// ZWECK: Tests fuer die Transformer-Tuerme (2D, 3D, Adapter, flach, MLP)
// INPUT: Miniaturkonfigurationen
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, math/rand
// HINWEISE: Voxel-Gitter folgen dem Layout (W, H, D, C*N)

package encoder

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/7blacky7/voxelclip/ml/nn"
)

func TestVisionTransformerForward(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(2))

	m := NewVisionTransformer(ctx, 8, 4, 8, 1, 2, 3, 6, 4, nn.QuickGELU, 0)
	m.InitParameters(ctx, rng)

	out := m.Forward(ctx, randomInput(ctx, rng, 8, 8, 3, 2))
	checkShape(t, out, 6, 2)
	checkFinite(t, out)
}

func TestVisionTransformerNoProjection(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(2))

	// outputDim 0 laesst die Projektion weg, Ausgabe bleibt auf width
	m := NewVisionTransformer(ctx, 8, 4, 8, 1, 2, 3, 0, 4, nn.GELU, 0)
	if m.Proj != nil {
		t.Fatal("Proj sollte ohne outputDim nil sein")
	}

	out := m.Forward(ctx, randomInput(ctx, rng, 8, 8, 3, 1))
	checkShape(t, out, 8, 1)
}

func TestVisionTransformerLock(t *testing.T) {
	ctx := testContext(t)
	m := NewVisionTransformer(ctx, 8, 4, 8, 1, 2, 3, 6, 4, nn.GELU, 0)

	if err := m.Lock(2, false); !errors.Is(err, ErrPartialUnlock) {
		t.Fatalf("Lock(2) = %v, erwartet ErrPartialUnlock", err)
	}
	if err := m.Lock(0, false); err != nil {
		t.Fatalf("Lock(0) = %v", err)
	}
	if !m.Locked() {
		t.Error("Lock(0) sollte den Turm einfrieren")
	}
}

func TestVisionTransformer3DGrid(t *testing.T) {
	ctx := testContext(t)

	// Achsen, die kein Vielfaches der Patch-Groesse sind, werden am
	// Rand abgeschnitten
	m, err := NewVisionTransformer3D(ctx, [3]int{5, 4, 7}, 2, 8, 1, 2, 1, 6, 4, nn.GELU, 0)
	if err != nil {
		t.Fatalf("NewVisionTransformer3D: %v", err)
	}
	if m.GridSize != [3]int{2, 2, 3} {
		t.Errorf("GridSize = %v, erwartet [2 2 3]", m.GridSize)
	}

	// Positionen: Gitter plus Klassen-Token
	if got := m.PositionalEmbedding.Dim(1); got != 2*2*3+1 {
		t.Errorf("Positionen = %d, erwartet %d", got, 2*2*3+1)
	}
}

func TestVisionTransformer3DTooSmall(t *testing.T) {
	ctx := testContext(t)

	_, err := NewVisionTransformer3D(ctx, [3]int{4, 1, 4}, 2, 8, 1, 2, 1, 6, 4, nn.GELU, 0)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, erwartet ErrConfig", err)
	}
}

func TestVisionTransformer3DForward(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(4))

	m, err := NewVisionTransformer3D(ctx, [3]int{4, 4, 4}, 2, 8, 1, 2, 1, 6, 4, nn.QuickGELU, 0)
	if err != nil {
		t.Fatalf("NewVisionTransformer3D: %v", err)
	}
	m.InitParameters(ctx, rng)

	out := m.Forward(ctx, randomInput(ctx, rng, 4, 4, 4, 2))
	checkShape(t, out, 6, 2)
	checkFinite(t, out)
}

func TestVoxel2DAdapterAxis(t *testing.T) {
	ctx := testContext(t)
	inner := NewVisionTransformer(ctx, 8, 4, 8, 1, 2, 4, 6, 4, nn.GELU, 0)

	if _, err := NewVoxel2DAdapter(inner, 3); !errors.Is(err, ErrConfig) {
		t.Fatalf("Achse 3: err = %v, erwartet ErrConfig", err)
	}
	if _, err := NewVoxel2DAdapter(inner, -1); !errors.Is(err, ErrConfig) {
		t.Fatalf("Achse -1: err = %v, erwartet ErrConfig", err)
	}
}

func TestVoxel2DAdapterForward(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(6))

	// Achse 2 (Groesse 4) wird Kanalachse, die 6x7-Ebene wird auf 8x8
	// aufgefuellt
	inner := NewVisionTransformer(ctx, 8, 4, 8, 1, 2, 4, 6, 4, nn.GELU, 0)
	inner.InitParameters(ctx, rng)
	m, err := NewVoxel2DAdapter(inner, 2)
	if err != nil {
		t.Fatalf("NewVoxel2DAdapter: %v", err)
	}

	out := m.Forward(ctx, randomInput(ctx, rng, 6, 7, 4, 2))
	checkShape(t, out, 6, 2)
	checkFinite(t, out)
}

func TestVoxel2DAdapterArrangeLayout(t *testing.T) {
	ctx := testContext(t)

	// Achse 2 (Groesse 2) wird Kanalachse; von den freien Achsen wird
	// die erste zur Hoehe, die zweite zur Breite, der Rest Null-Rand
	inner := NewVisionTransformer(ctx, 4, 2, 4, 1, 1, 2, 0, 4, nn.GELU, 0)
	m, err := NewVoxel2DAdapter(inner, 2)
	if err != nil {
		t.Fatalf("NewVoxel2DAdapter: %v", err)
	}

	data := make([]float32, 2*3*2)
	for i2 := 0; i2 < 2; i2++ {
		for i1 := 0; i1 < 3; i1++ {
			for i0 := 0; i0 < 2; i0++ {
				data[(i2*3+i1)*2+i0] = float32(100*i0 + 10*i1 + i2)
			}
		}
	}

	x := m.arrange(ctx, ctx.FromFloats(data, 2, 3, 2, 1))
	checkShape(t, x, 4, 4, 2, 1)

	got := x.Floats()
	for i2 := 0; i2 < 2; i2++ {
		for i1 := 0; i1 < 3; i1++ {
			for i0 := 0; i0 < 2; i0++ {
				want := float32(100*i0 + 10*i1 + i2)
				if v := got[(i2*4+i0)*4+i1]; v != want {
					t.Errorf("x[%d][%d][%d] = %v, erwartet %v", i1, i0, i2, v, want)
				}
			}
		}
	}

	// Aufgefuellte Positionen bleiben Null
	if v := got[0*4+3]; v != 0 {
		t.Errorf("Rand in der Breite = %v, erwartet 0", v)
	}
	if v := got[3*4+0]; v != 0 {
		t.Errorf("Rand in der Hoehe = %v, erwartet 0", v)
	}
}

func TestVoxel2DAdapterPlaneTooLarge(t *testing.T) {
	ctx := testContext(t)
	inner := NewVisionTransformer(ctx, 8, 4, 8, 1, 2, 4, 6, 4, nn.GELU, 0)
	m, _ := NewVoxel2DAdapter(inner, 2)

	defer func() {
		if recover() == nil {
			t.Error("Ebene groesser als die Bildgroesse sollte panicen")
		}
	}()
	m.Forward(ctx, randomInput(ctx, rand.New(rand.NewSource(1)), 9, 8, 4, 1))
}

func TestFlatTransformerForward(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(8))

	m := NewFlatTransformer(ctx, 8, 1, 2, 6, 4, nn.QuickGELU, 0)
	m.InitParameters(ctx, rng)

	out := m.Forward(ctx, randomInput(ctx, rng, 4, 5, 2))
	checkShape(t, out, 6, 2)
	checkFinite(t, out)
}

func TestFlatTransformerFeatureCount(t *testing.T) {
	ctx := testContext(t)
	m := NewFlatTransformer(ctx, 8, 1, 2, 6, 4, nn.GELU, 0)

	defer func() {
		if recover() == nil {
			t.Error("Sequenz ohne 4 Spalten pro Ereignis sollte panicen")
		}
	}()
	m.Forward(ctx, randomInput(ctx, rand.New(rand.NewSource(1)), 3, 5, 1))
}

func TestFlatTransformerConvHasNoBias(t *testing.T) {
	ctx := testContext(t)
	m := NewFlatTransformer(ctx, 8, 1, 2, 6, 4, nn.GELU, 0)
	if m.Conv1.Bias != nil {
		t.Error("conv1 traegt keinen Bias")
	}
}

func TestMLP(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(3))

	m, err := NewMLP(ctx, 12, 8, 2, 6)
	if err != nil {
		t.Fatalf("NewMLP: %v", err)
	}
	m.InitParameters(ctx, rng)

	out := m.Forward(ctx, randomInput(ctx, rng, 12, 3))
	checkShape(t, out, 6, 3)
	checkFinite(t, out)
}

func TestMLPStructure(t *testing.T) {
	ctx := testContext(t)

	tests := []struct {
		name       string
		layers     int
		wantHidden int
	}{
		{"eine Schicht", 1, 0},
		{"zwei Schichten", 2, 1},
		{"vier Schichten", 4, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMLP(ctx, 20, 8, tt.layers, 4)
			if err != nil {
				t.Fatalf("NewMLP: %v", err)
			}

			// Eingangsprojektion fuehrt immer auf die versteckte Breite
			if d0, d1 := m.In.Weight.Dim(0), m.In.Weight.Dim(1); d0 != 20 || d1 != 8 {
				t.Errorf("Eingangsprojektion = (%d, %d), erwartet (20, 8)", d0, d1)
			}
			if len(m.Hidden) != tt.wantHidden {
				t.Errorf("versteckte Bloecke = %d, erwartet %d", len(m.Hidden), tt.wantHidden)
			}
			for i, block := range m.Hidden {
				if d0, d1 := block.FC.Weight.Dim(0), block.FC.Weight.Dim(1); d0 != 8 || d1 != 8 {
					t.Errorf("Block %d = (%d, %d), erwartet (8, 8)", i, d0, d1)
				}
			}
			if d0, d1 := m.Out.Weight.Dim(0), m.Out.Weight.Dim(1); d0 != 8 || d1 != 4 {
				t.Errorf("Ausgabeprojektion = (%d, %d), erwartet (8, 4)", d0, d1)
			}
		})
	}
}

func TestMLPInvalidLayers(t *testing.T) {
	ctx := testContext(t)
	if _, err := NewMLP(ctx, 12, 8, 0, 6); !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, erwartet ErrConfig", err)
	}
}
