// tensor_matrix.go - Matrix-Multiplikation
// Enthaelt: Mulmat und MulmatFullPrec auf Basis von gonum blas32.
//
// Mulmat folgt der ggml-Konvention: A (K, M, ...) mal B (K, N, ...)
// ergibt (M, N, ...); kontrahiert wird ueber Dimension 0. Die
// Batch-Dimensionen 2 und 3 broadcasten A auf B.
package cpu

import (
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/7blacky7/voxelclip/ml"
)

// Mulmat berechnet die Matrix-Multiplikation A^T * B in ggml-Konvention.
func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.mulmat(t2)
}

// MulmatFullPrec berechnet die Matrix-Multiplikation ohne reduzierte
// Zwischenpraezision. Das CPU-Backend rechnet ohnehin in float32, die
// Methode existiert fuer Schnittstellen-Paritaet mit fusionierten Kernels.
func (t *Tensor) MulmatFullPrec(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.mulmat(t2)
}

func (t *Tensor) mulmat(other ml.Tensor) ml.Tensor {
	a, b := t, toCPU(other)
	if a.ne[0] != b.ne[0] {
		panic(fmt.Sprintf("cpu: mulmat contraction mismatch %v x %v", a.Shape(), b.Shape()))
	}
	if b.ne[2]%a.ne[2] != 0 || b.ne[3]%a.ne[3] != 0 {
		panic(fmt.Sprintf("cpu: mulmat batch mismatch %v x %v", a.Shape(), b.Shape()))
	}

	k, m, n := a.ne[0], a.ne[1], b.ne[1]

	dims := 2
	if b.dims > 2 {
		dims = b.dims
	}
	shape := []int{m, n, b.ne[2], b.ne[3]}[:dims]
	out := newTensor(t.b, ml.DTypeF32, shape...)

	var g errgroup.Group
	g.SetLimit(t.b.threads)
	for i3 := 0; i3 < b.ne[3]; i3++ {
		for i2 := 0; i2 < b.ne[2]; i2++ {
			i2, i3 := i2, i3
			g.Go(func() error {
				amat := blas32.General{
					Rows: m, Cols: k, Stride: k,
					Data: a.data[a.index(0, 0, i2%a.ne[2], i3%a.ne[3]) : a.index(0, 0, i2%a.ne[2], i3%a.ne[3])+m*k],
				}
				bmat := blas32.General{
					Rows: n, Cols: k, Stride: k,
					Data: b.data[b.index(0, 0, i2, i3) : b.index(0, 0, i2, i3)+n*k],
				}
				cmat := blas32.General{
					Rows: n, Cols: m, Stride: m,
					Data: out.data[out.index(0, 0, i2, i3) : out.index(0, 0, i2, i3)+n*m],
				}

				// C (n x m) = B (n x k) * A^T (k x m)
				blas32.Gemm(blas.NoTrans, blas.Trans, 1, bmat, amat, 0, cmat)
				return nil
			})
		}
	}
	g.Wait()

	return out
}
