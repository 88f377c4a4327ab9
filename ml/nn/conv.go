// conv.go - Convolution-Layer
// Enthaelt: Conv2D und Conv3D Wrapper um die Tensor-Operationen.
package nn

import (
	"github.com/7blacky7/voxelclip/ml"
)

// Conv2D ist eine 2D-Convolution. Weight hat die Form (kw, kh, cin, cout),
// Bias (cout) oder nil.
type Conv2D struct {
	Weight ml.Tensor `sd:"weight"`
	Bias   ml.Tensor `sd:"bias"`
}

// Forward berechnet die Convolution: (w, h, cin, n) -> (ow, oh, cout, n).
func (m *Conv2D) Forward(ctx ml.Context, t ml.Tensor, s0, s1, p0, p1, d0, d1 int) ml.Tensor {
	t = t.Conv2D(ctx, m.Weight, s0, s1, p0, p1, d0, d1)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias.Reshape(ctx, 1, 1, -1))
	}

	return t
}

// Conv3D ist eine 3D-Convolution. Weight hat die Form (kw, kh, kd, cin*cout),
// Bias (cout) oder nil; die Kanalzahl cin wird beim Forward uebergeben.
type Conv3D struct {
	Weight ml.Tensor `sd:"weight"`
	Bias   ml.Tensor `sd:"bias"`
}

// Forward berechnet die Convolution: (w, h, d, cin*n) -> (ow, oh, od, cout*n).
func (m *Conv3D) Forward(ctx ml.Context, t ml.Tensor, c, s0, s1, s2, p0, p1, p2, d0, d1, d2 int) ml.Tensor {
	t = t.Conv3D(ctx, m.Weight, c, s0, s1, s2, p0, p1, p2, d0, d1, d2)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias.Reshape(ctx, 1, 1, 1, -1))
	}

	return t
}
