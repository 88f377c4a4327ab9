// MODUL: image
// ZWECK: Bild-Laden, Skalieren und Zuschneiden fuer die Bild-Tuerme
// INPUT: Dateipfad, Bytes oder io.Reader
// OUTPUT: Image Struktur mit dekodiertem RGBA-Bild
// NEBENEFFEKTE: Dateisystem-Lesezugriff bei Load
// ABHAENGIGKEITEN: golang.org/x/image (draw, webp, bmp, tiff)
// HINWEISE: Alle Bilder werden als RGBA gehalten; die Decoder fuer
//           WebP/BMP/TIFF kommen aus x/image.

package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"

	// Decoder registrieren
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Image enthaelt ein dekodiertes Bild mit Metadaten
type Image struct {
	RGBA   *image.RGBA
	Width  int
	Height int
	Format ImageFormat
}

// Load laedt ein Bild von einem Dateipfad
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("datei lesen fehlgeschlagen: %w", err)
	}
	return Decode(data)
}

// Decode dekodiert ein Bild aus Byte-Daten
func Decode(data []byte) (*Image, error) {
	format := DetectFormat(data)
	if err := ValidateFormat(format); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("bild dekodieren fehlgeschlagen: %w", err)
	}

	rgba := toRGBA(img)
	bounds := rgba.Bounds()

	return &Image{
		RGBA:   rgba,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Format: format,
	}, nil
}

// DecodeReader dekodiert ein Bild aus einem io.Reader
func DecodeReader(reader io.Reader) (*Image, error) {
	// Erst Daten puffern fuer Format-Erkennung
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("daten lesen fehlgeschlagen: %w", err)
	}
	return Decode(data)
}

// toRGBA konvertiert ein beliebiges image.Image zu *image.RGBA
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	return rgba
}

// Resize skaliert ein Bild bilinear auf die angegebene Groesse
func Resize(img *Image, width, height int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("ungueltige Groesse: %dx%d", width, height)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img.RGBA, img.RGBA.Bounds(), draw.Over, nil)

	return &Image{
		RGBA:   dst,
		Width:  width,
		Height: height,
		Format: img.Format,
	}, nil
}

// ResizeShortestSide skaliert so, dass die kuerzere Seite size misst und
// das Seitenverhaeltnis erhalten bleibt.
func ResizeShortestSide(img *Image, size int) (*Image, error) {
	if size <= 0 {
		return nil, fmt.Errorf("ungueltige Groesse: %d", size)
	}

	w, h := img.Width, img.Height
	if w < h {
		h = h * size / w
		w = size
	} else {
		w = w * size / h
		h = size
	}

	return Resize(img, w, h)
}

// CenterCrop schneidet einen zentrierten Bereich aus
func CenterCrop(img *Image, width, height int) (*Image, error) {
	if width > img.Width || height > img.Height {
		return nil, fmt.Errorf("crop groesser als bild: %dx%d > %dx%d", width, height, img.Width, img.Height)
	}

	offsetX := (img.Width - width) / 2
	offsetY := (img.Height - height) / 2

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	srcRect := image.Rect(offsetX, offsetY, offsetX+width, offsetY+height)

	draw.Draw(dst, dst.Bounds(), img.RGBA, srcRect.Min, draw.Src)

	return &Image{
		RGBA:   dst,
		Width:  width,
		Height: height,
		Format: img.Format,
	}, nil
}
