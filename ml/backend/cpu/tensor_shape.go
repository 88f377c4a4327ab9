// tensor_shape.go - Form-Operationen
// Enthaelt: Reshape, Permute, Contiguous, Pad, Concat, Rows, Slice,
// SumRows und Mean.
package cpu

import (
	"fmt"

	"github.com/7blacky7/voxelclip/ml"
)

// Reshape aendert die Form ohne die Daten zu veraendern. Genau eine
// Dimension darf -1 sein und wird aus den restlichen abgeleitet.
func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	n := t.elements()
	infer := -1
	prod := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				panic("cpu: reshape with multiple -1 dimensions")
			}
			infer = i
		} else {
			prod *= d
		}
	}
	if infer >= 0 {
		shape = append([]int(nil), shape...)
		shape[infer] = n / prod
		prod *= shape[infer]
	}
	if prod != n {
		panic(fmt.Sprintf("cpu: cannot reshape %v to %v", t.Shape(), shape))
	}

	out := newTensor(t.b, t.dtype, shape...)
	copy(out.data, t.data)
	copy(out.idata, t.idata)
	return out
}

// Permute ordnet die Dimensionen um: Dimension i des Quell-Tensors wird
// zur Dimension shape[i] des Ergebnisses (ggml-Semantik). Das Ergebnis
// wird sofort materialisiert; Contiguous danach ist ein no-op.
func (t *Tensor) Permute(ctx ml.Context, shape ...int) ml.Tensor {
	if len(shape) != maxDims {
		panic("cpu: permute expects 4 axes")
	}

	seen := [maxDims]bool{}
	var ne [maxDims]int
	for i, p := range shape {
		if p < 0 || p >= maxDims || seen[p] {
			panic(fmt.Sprintf("cpu: invalid permutation %v", shape))
		}
		seen[p] = true
		ne[p] = t.ne[i]
	}

	dims := 1
	for i := 0; i < t.dims; i++ {
		if shape[i]+1 > dims {
			dims = shape[i] + 1
		}
	}

	out := newTensor(t.b, t.dtype, ne[:dims]...)
	var idx [maxDims]int
	for i3 := 0; i3 < t.ne[3]; i3++ {
		for i2 := 0; i2 < t.ne[2]; i2++ {
			for i1 := 0; i1 < t.ne[1]; i1++ {
				for i0 := 0; i0 < t.ne[0]; i0++ {
					src := [maxDims]int{i0, i1, i2, i3}
					for i, p := range shape {
						idx[p] = src[i]
					}
					out.data[out.index(idx[0], idx[1], idx[2], idx[3])] = t.data[t.index(i0, i1, i2, i3)]
				}
			}
		}
	}

	return out
}

// Contiguous gibt eine kontiguierliche Kopie zurueck, optional mit neuer
// Form. CPU-Tensoren sind immer kontiguierlich.
func (t *Tensor) Contiguous(ctx ml.Context, shape ...int) ml.Tensor {
	if len(shape) == 0 {
		return t
	}
	return t.Reshape(ctx, shape...)
}

// Pad haengt shape[i] Nullen an das Ende der Dimension i an.
func (t *Tensor) Pad(ctx ml.Context, shape ...int) ml.Tensor {
	var ne [maxDims]int
	dims := t.dims
	for i := 0; i < maxDims; i++ {
		ne[i] = t.ne[i]
		if i < len(shape) && shape[i] > 0 {
			ne[i] += shape[i]
			if i+1 > dims {
				dims = i + 1
			}
		}
	}

	out := newTensor(t.b, t.dtype, ne[:dims]...)
	for i3 := 0; i3 < t.ne[3]; i3++ {
		for i2 := 0; i2 < t.ne[2]; i2++ {
			for i1 := 0; i1 < t.ne[1]; i1++ {
				src := t.index(0, i1, i2, i3)
				dst := out.index(0, i1, i2, i3)
				copy(out.data[dst:dst+t.ne[0]], t.data[src:src+t.ne[0]])
			}
		}
	}

	return out
}

// Concat verkettet t und t2 entlang der Dimension dim.
func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	u := toCPU(t2)
	for i := 0; i < maxDims; i++ {
		if i != dim && t.ne[i] != u.ne[i] {
			panic(fmt.Sprintf("cpu: concat shape mismatch %v / %v on dim %d", t.Shape(), u.Shape(), dim))
		}
	}

	var ne [maxDims]int
	copy(ne[:], t.ne[:])
	ne[dim] = t.ne[dim] + u.ne[dim]

	dims := max(t.dims, u.dims, dim+1)
	out := newTensor(t.b, t.dtype, ne[:dims]...)
	for i3 := 0; i3 < out.ne[3]; i3++ {
		for i2 := 0; i2 < out.ne[2]; i2++ {
			for i1 := 0; i1 < out.ne[1]; i1++ {
				for i0 := 0; i0 < out.ne[0]; i0++ {
					idx := [maxDims]int{i0, i1, i2, i3}
					src := t
					if idx[dim] >= t.ne[dim] {
						idx[dim] -= t.ne[dim]
						src = u
					}
					out.data[out.index(i0, i1, i2, i3)] = src.data[src.index(idx[0], idx[1], idx[2], idx[3])]
				}
			}
		}
	}

	return out
}

// Rows sammelt Zeilen (Dimension 1) anhand von I32-Indizes. t hat die
// Form (ne0, r[, b]), die Indizes (n[, b]); Ergebnis (ne0, n[, b]).
func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	ids := toCPU(t2)
	if ids.dtype != ml.DTypeI32 {
		panic("cpu: rows expects I32 indices")
	}

	n := ids.ne[0]
	batch := max(ids.ne[1], t.ne[2])
	if t.ne[2] != 1 && ids.ne[1] != 1 && t.ne[2] != ids.ne[1] {
		panic(fmt.Sprintf("cpu: rows batch mismatch %v / %v", t.Shape(), ids.Shape()))
	}

	shape := []int{t.ne[0], n}
	if batch > 1 {
		shape = append(shape, batch)
	}
	out := newTensor(t.b, ml.DTypeF32, shape...)
	for i2 := 0; i2 < out.ne[2]; i2++ {
		for i1 := 0; i1 < n; i1++ {
			row := int(ids.idata[ids.index(i1, i2%ids.ne[1], 0, 0)])
			if row < 0 || row >= t.ne[1] {
				panic(fmt.Sprintf("cpu: row index %d out of range %d", row, t.ne[1]))
			}
			src := t.index(0, row, i2%t.ne[2], 0)
			dst := out.index(0, i1, i2, 0)
			copy(out.data[dst:dst+t.ne[0]], t.data[src:src+t.ne[0]])
		}
	}

	return out
}

// Slice schneidet [low, high) mit Schrittweite step aus der Dimension dim.
func (t *Tensor) Slice(ctx ml.Context, dim, low, high, step int) ml.Tensor {
	if dim < 0 || dim >= maxDims || low < 0 || high > t.ne[dim] || low >= high || step <= 0 {
		panic(fmt.Sprintf("cpu: invalid slice dim=%d [%d:%d:%d] of %v", dim, low, high, step, t.Shape()))
	}

	var ne [maxDims]int
	copy(ne[:], t.ne[:])
	ne[dim] = (high - low + step - 1) / step

	out := newTensor(t.b, t.dtype, ne[:max(t.dims, dim+1)]...)
	for i3 := 0; i3 < out.ne[3]; i3++ {
		for i2 := 0; i2 < out.ne[2]; i2++ {
			for i1 := 0; i1 < out.ne[1]; i1++ {
				for i0 := 0; i0 < out.ne[0]; i0++ {
					idx := [maxDims]int{i0, i1, i2, i3}
					idx[dim] = low + idx[dim]*step
					out.data[out.index(i0, i1, i2, i3)] = t.data[t.index(idx[0], idx[1], idx[2], idx[3])]
				}
			}
		}
	}

	return out
}

// SumRows summiert ueber Dimension 0: (ne0, ...) -> (1, ...).
func (t *Tensor) SumRows(ctx ml.Context) ml.Tensor {
	out := newTensor(t.b, ml.DTypeF32, append([]int{1}, t.Shape()[1:]...)...)
	for i3 := 0; i3 < t.ne[3]; i3++ {
		for i2 := 0; i2 < t.ne[2]; i2++ {
			for i1 := 0; i1 < t.ne[1]; i1++ {
				var sum float32
				base := t.index(0, i1, i2, i3)
				for i0 := 0; i0 < t.ne[0]; i0++ {
					sum += t.data[base+i0]
				}
				out.data[out.index(0, i1, i2, i3)] = sum
			}
		}
	}

	return out
}

// Mean bildet den Mittelwert ueber Dimension 0: (ne0, ...) -> (1, ...).
func (t *Tensor) Mean(ctx ml.Context) ml.Tensor {
	return toCPU(t.SumRows(ctx)).Scale(ctx, 1/float64(t.ne[0]))
}
