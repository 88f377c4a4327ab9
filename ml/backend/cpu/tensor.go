// tensor.go - Tensor-Grundstruktur des CPU-Backends
// Enthaelt: Speicherlayout, Shape-Zugriff, DType-Konvertierung.
//
// Layout folgt der ggml-Konvention: ne[0] ist die innerste Dimension,
// Daten liegen kontiguierlich mit Index ((i3*ne2+i2)*ne1+i1)*ne0+i0.
// Maximal vier Dimensionen.
package cpu

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/7blacky7/voxelclip/ml"
)

const maxDims = 4

// Tensor implementiert ml.Tensor. F32/F16-Tensoren speichern ihre Werte
// in data; F16 bedeutet, dass die Werte durch Half-Precision gerundet
// wurden (Speicherformat, keine Topologie-Aenderung). I32-Tensoren
// (Indizes, Token-IDs) speichern in idata.
type Tensor struct {
	b     *Backend
	dtype ml.DType

	// ne haelt immer maxDims Eintraege, ueberzaehlige sind 1
	ne   [maxDims]int
	dims int

	data  []float32
	idata []int32
}

func newTensor(b *Backend, dtype ml.DType, shape ...int) *Tensor {
	if len(shape) == 0 || len(shape) > maxDims {
		panic(fmt.Sprintf("cpu: tensor rank %d not supported", len(shape)))
	}

	t := &Tensor{b: b, dtype: dtype, dims: len(shape)}
	n := 1
	for i := 0; i < maxDims; i++ {
		t.ne[i] = 1
		if i < len(shape) {
			if shape[i] <= 0 {
				panic(fmt.Sprintf("cpu: invalid shape %v", shape))
			}
			t.ne[i] = shape[i]
			n *= shape[i]
		}
	}

	if dtype == ml.DTypeI32 {
		t.idata = make([]int32, n)
	} else {
		t.data = make([]float32, n)
	}

	return t
}

// like erstellt einen Ausgabe-Tensor mit gleicher Form wie t.
func (t *Tensor) like(dtype ml.DType) *Tensor {
	return newTensor(t.b, dtype, t.Shape()...)
}

func (t *Tensor) elements() int {
	return t.ne[0] * t.ne[1] * t.ne[2] * t.ne[3]
}

func (t *Tensor) index(i0, i1, i2, i3 int) int {
	return ((i3*t.ne[2]+i2)*t.ne[1]+i1)*t.ne[0] + i0
}

// Dim gibt die Groesse der Dimension n zurueck.
func (t *Tensor) Dim(n int) int {
	return t.ne[n]
}

// Stride gibt den Element-Stride der Dimension n zurueck.
func (t *Tensor) Stride(n int) int {
	s := 1
	for i := 0; i < n; i++ {
		s *= t.ne[i]
	}
	return s
}

// Shape gibt die Form des Tensors zurueck.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.ne[:t.dims]...)
}

// DType gibt den Datentyp zurueck.
func (t *Tensor) DType() ml.DType {
	return t.dtype
}

// Floats gibt die Werte als float32-Slice zurueck.
func (t *Tensor) Floats() []float32 {
	if t.dtype == ml.DTypeI32 {
		out := make([]float32, len(t.idata))
		for i, v := range t.idata {
			out[i] = float32(v)
		}
		return out
	}

	return append([]float32(nil), t.data...)
}

// Ints gibt die Werte als int32-Slice zurueck.
func (t *Tensor) Ints() []int32 {
	if t.dtype == ml.DTypeI32 {
		return append([]int32(nil), t.idata...)
	}

	out := make([]int32, len(t.data))
	for i, v := range t.data {
		out[i] = int32(v)
	}
	return out
}

// Cast konvertiert das Speicherformat. F32->F16 rundet jeden Wert durch
// Half-Precision; F16->F32 hebt nur den Datentyp an, die Rundung ist
// bereits geschehen.
func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	if dtype == t.dtype {
		return t
	}

	switch {
	case t.dtype == ml.DTypeF32 && dtype == ml.DTypeF16:
		out := t.like(ml.DTypeF16)
		for i, v := range t.data {
			out.data[i] = float16.Fromfloat32(v).Float32()
		}
		return out
	case t.dtype == ml.DTypeF16 && dtype == ml.DTypeF32:
		out := t.like(ml.DTypeF32)
		copy(out.data, t.data)
		return out
	case t.dtype == ml.DTypeI32 && dtype == ml.DTypeF32:
		out := t.like(ml.DTypeF32)
		for i, v := range t.idata {
			out.data[i] = float32(v)
		}
		return out
	default:
		panic(fmt.Sprintf("cpu: unsupported cast %v -> %v", t.dtype, dtype))
	}
}

// Duplicate erstellt eine tiefe Kopie.
func (t *Tensor) Duplicate(ctx ml.Context) ml.Tensor {
	out := t.like(t.dtype)
	copy(out.data, t.data)
	copy(out.idata, t.idata)
	return out
}

func toCPU(t ml.Tensor) *Tensor {
	c, ok := t.(*Tensor)
	if !ok {
		panic("cpu: foreign tensor passed to cpu backend")
	}
	return c
}
