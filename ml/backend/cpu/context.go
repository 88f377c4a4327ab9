// context.go - Compute-Kontext des CPU-Backends
// Der Kontext erzeugt Tensoren und wertet Operationen eager aus.
package cpu

import (
	"fmt"

	"github.com/7blacky7/voxelclip/ml"
)

// Context implementiert ml.Context fuer das CPU-Backend.
type Context struct {
	b *Backend
}

// Empty erstellt einen uninitialisierten Tensor. Im CPU-Backend ist er
// nullinitialisiert, die Unterscheidung zu Zeros existiert nur der
// Schnittstelle wegen.
func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(c.b, dtype, shape...)
}

// Zeros erstellt einen nullinitialisierten Tensor.
func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(c.b, dtype, shape...)
}

// FromFloats erstellt einen F32-Tensor aus einem Slice.
func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := newTensor(c.b, ml.DTypeF32, shape...)
	if len(s) != len(t.data) {
		panic(fmt.Sprintf("cpu: FromFloats got %d values for shape %v", len(s), shape))
	}

	copy(t.data, s)
	return t
}

// FromInts erstellt einen I32-Tensor aus einem Slice.
func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := newTensor(c.b, ml.DTypeI32, shape...)
	if len(s) != len(t.idata) {
		panic(fmt.Sprintf("cpu: FromInts got %d values for shape %v", len(s), shape))
	}

	copy(t.idata, s)
	return t
}

// Forward markiert Tensoren als Graph-Ausgaben. Eager-Auswertung:
// alles ist bereits berechnet.
func (c *Context) Forward(...ml.Tensor) ml.Context {
	return c
}

// Compute wertet den Graphen aus. Eager-Auswertung: no-op.
func (c *Context) Compute(...ml.Tensor) {}

// Input gibt den Kontext fuer Eingabe-Tensoren zurueck. Das CPU-Backend
// unterscheidet keine Speicherklassen.
func (c *Context) Input() ml.Context {
	return c
}

// Close gibt den Kontext frei.
func (c *Context) Close() {}
