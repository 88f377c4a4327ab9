// MODUL: normalize
// ZWECK: Normalisierung und Tensor-Aufbereitung fuer die Bild-Tuerme
// INPUT: Image, Normalisierungs-Parameter (mean, std)
// OUTPUT: float32-Daten im CHW-Layout bzw. Backend-Tensoren (W, H, C, N)
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: ml
// HINWEISE: CHW-float32 ist byte-identisch zum Backend-Layout (W, H, C),
//           die Daten werden beim Tensor-Bau nicht umsortiert.

package imageproc

import (
	"fmt"

	"github.com/7blacky7/voxelclip/ml"
)

// Standard-Normalisierungswerte
var (
	// ImageNet Default (ResNet-Backbones)
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}

	// CLIP Default
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}

	// Keine Normalisierung (nur Skalierung auf [0,1])
	NoNormMean = [3]float32{0.0, 0.0, 0.0}
	NoNormStd  = [3]float32{1.0, 1.0, 1.0}
)

// NormalizeCHW normalisiert ein Bild mit gegebenen mean/std Werten und
// gibt einen float32-Slice im CHW-Layout zurueck (Channel-First).
func NormalizeCHW(img *Image, mean, std [3]float32) []float32 {
	bounds := img.RGBA.Bounds()
	h := bounds.Dy()
	w := bounds.Dx()
	size := h * w

	result := make([]float32, size*3)
	rOffset := 0
	gOffset := size
	bOffset := size * 2

	idx := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b := extractRGB(img, x, y)

			result[rOffset+idx] = (r - mean[0]) / std[0]
			result[gOffset+idx] = (g - mean[1]) / std[1]
			result[bOffset+idx] = (b - mean[2]) / std[2]
			idx++
		}
	}

	return result
}

// extractRGB holt RGB-Werte als float32 im Bereich [0,1]
func extractRGB(img *Image, x, y int) (float32, float32, float32) {
	c := img.RGBA.RGBAAt(x, y)
	return float32(c.R) / 255.0, float32(c.G) / 255.0, float32(c.B) / 255.0
}

// Preprocess ist die Standard-Pipeline der Bild-Tuerme: kuerzere Seite
// auf size skalieren, zentriert auf size x size zuschneiden und mit
// mean/std normalisieren.
func Preprocess(img *Image, size int, mean, std [3]float32) ([]float32, error) {
	scaled, err := ResizeShortestSide(img, size)
	if err != nil {
		return nil, err
	}
	cropped, err := CenterCrop(scaled, size, size)
	if err != nil {
		return nil, err
	}
	return NormalizeCHW(cropped, mean, std), nil
}

// Tensor baut aus einem oder mehreren vorverarbeiteten CHW-Bildern den
// Eingabe-Tensor (size, size, 3, n) des Bild-Turms.
func Tensor(ctx ml.Context, batches [][]float32, size int) (ml.Tensor, error) {
	if len(batches) == 0 {
		return nil, fmt.Errorf("imageproc: leerer batch")
	}

	plane := size * size * 3
	data := make([]float32, 0, plane*len(batches))
	for i, chw := range batches {
		if len(chw) != plane {
			return nil, fmt.Errorf("imageproc: bild %d hat %d werte, erwartet %d", i, len(chw), plane)
		}
		data = append(data, chw...)
	}

	return ctx.FromFloats(data, size, size, 3, len(batches)), nil
}
