// tensor_arithmetic.go - Elementweise Arithmetik
// Enthaelt: Add, Sub, Mul, Scale sowie elementweise Funktionen.
//
// Binaere Operationen broadcasten das zweite Argument nach ggml-Art:
// jede Dimension von t2 muss die entsprechende Dimension von t teilen,
// Indizes werden modulo t2.ne gelesen.
package cpu

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/7blacky7/voxelclip/ml"
)

func (t *Tensor) binary(t2 ml.Tensor, f func(a, b float32) float32) ml.Tensor {
	u := toCPU(t2)
	for i := 0; i < maxDims; i++ {
		if t.ne[i]%u.ne[i] != 0 {
			panic(fmt.Sprintf("cpu: cannot broadcast %v onto %v", u.Shape(), t.Shape()))
		}
	}

	out := t.like(t.dtype)
	for i3 := 0; i3 < t.ne[3]; i3++ {
		for i2 := 0; i2 < t.ne[2]; i2++ {
			for i1 := 0; i1 < t.ne[1]; i1++ {
				for i0 := 0; i0 < t.ne[0]; i0++ {
					a := t.data[t.index(i0, i1, i2, i3)]
					b := u.data[u.index(i0%u.ne[0], i1%u.ne[1], i2%u.ne[2], i3%u.ne[3])]
					out.data[out.index(i0, i1, i2, i3)] = f(a, b)
				}
			}
		}
	}

	return out
}

func (t *Tensor) unary(f func(v float32) float32) ml.Tensor {
	out := t.like(t.dtype)
	for i, v := range t.data {
		out.data[i] = f(v)
	}
	return out
}

// Add addiert t2 (broadcast) zu t.
func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a + b })
}

// Sub subtrahiert t2 (broadcast) von t.
func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a - b })
}

// Mul multipliziert elementweise mit t2 (broadcast).
func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a * b })
}

// Div dividiert elementweise durch t2 (broadcast).
func (t *Tensor) Div(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a / b })
}

// Scale multipliziert alle Elemente mit s.
func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	f := float32(s)
	return t.unary(func(v float32) float32 { return v * f })
}

// Exp berechnet e^x elementweise.
func (t *Tensor) Exp(ctx ml.Context) ml.Tensor {
	return t.unary(math32.Exp)
}

// Sqrt berechnet die Quadratwurzel elementweise.
func (t *Tensor) Sqrt(ctx ml.Context) ml.Tensor {
	return t.unary(math32.Sqrt)
}

// Sigmoid berechnet die logistische Funktion elementweise.
func (t *Tensor) Sigmoid(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 { return 1 / (1 + math32.Exp(-v)) })
}

// Tanh berechnet den Tangens Hyperbolicus elementweise.
func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor {
	return t.unary(math32.Tanh)
}
