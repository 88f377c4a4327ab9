// MODUL: encoder_test
// ZWECK: Gemeinsame Test-Helfer fuer die Encoder-Tuerme
// INPUT: -
// OUTPUT: -
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, ml/backend/cpu
// HINWEISE: Alle Encoder-Tests rechnen auf dem CPU-Backend

package encoder

import (
	"math"
	"math/rand"
	"testing"

	"github.com/7blacky7/voxelclip/ml"
	_ "github.com/7blacky7/voxelclip/ml/backend/cpu"
)

func testContext(t *testing.T) ml.Context {
	t.Helper()
	b, err := ml.NewBackend("cpu", ml.BackendParams{NumThreads: 2})
	if err != nil {
		t.Fatalf("Backend-Init fehlgeschlagen: %v", err)
	}
	t.Cleanup(b.Close)
	return b.NewContext()
}

// randomInput erzeugt einen reproduzierbaren Eingabe-Tensor
func randomInput(ctx ml.Context, rng *rand.Rand, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return ctx.FromFloats(data, shape...)
}

func checkShape(t *testing.T, got ml.Tensor, want ...int) {
	t.Helper()
	s := got.Shape()
	if len(s) != len(want) {
		t.Fatalf("Shape = %v, erwartet %v", s, want)
	}
	for i := range s {
		if s[i] != want[i] {
			t.Fatalf("Shape = %v, erwartet %v", s, want)
		}
	}
}

func checkFinite(t *testing.T, got ml.Tensor) {
	t.Helper()
	for i, v := range got.Floats() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("Wert[%d] = %f ist nicht endlich", i, v)
		}
	}
}

func floatsEqual(t *testing.T, got, want []float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Laenge = %d, erwartet %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("Wert[%d] = %f, erwartet %f", i, got[i], want[i])
		}
	}
}
