// attention.go - Multi-Head-Attention mit gemeinsamer QKV-Projektion
// Die Gewichte folgen dem torch.nn.MultiheadAttention-Layout: eine
// in_proj-Matrix fuer Q, K und V gestapelt, plus eine Ausgabeprojektion.
package nn

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/7blacky7/voxelclip/ml"
)

// MultiheadAttention ist Self-Attention ueber eine Sequenz. InProjWeight
// hat die Form (width, 3*width), die drei Bloecke entlang der Ausgabe-
// Dimension sind Q, K und V.
type MultiheadAttention struct {
	InProjWeight ml.Tensor `sd:"in_proj_weight"`
	InProjBias   ml.Tensor `sd:"in_proj_bias"`
	OutProj      *Linear   `sd:"out_proj"`

	NumHeads int
}

// Forward wendet Self-Attention auf t (width, seq, batch) an. mask ist
// nil oder eine additive (seq, seq)-Maske, die vor der Softmax auf die
// Scores addiert wird.
func (m *MultiheadAttention) Forward(ctx ml.Context, t, mask ml.Tensor) ml.Tensor {
	width := t.Dim(0)
	seq := t.Dim(1)
	batch := 1
	if len(t.Shape()) > 2 {
		batch = t.Dim(2)
	}

	if width%m.NumHeads != 0 {
		panic(fmt.Sprintf("nn: width %d nicht durch %d Koepfe teilbar", width, m.NumHeads))
	}
	headDim := width / m.NumHeads

	qkv := m.InProjWeight.Mulmat(ctx, t)
	if m.InProjBias != nil {
		qkv = qkv.Add(ctx, m.InProjBias)
	}

	query := qkv.Slice(ctx, 0, 0, width, 1)
	key := qkv.Slice(ctx, 0, width, 2*width, 1)
	value := qkv.Slice(ctx, 0, 2*width, 3*width, 1)

	query = query.Contiguous(ctx).Reshape(ctx, headDim, m.NumHeads, seq, batch)
	key = key.Contiguous(ctx).Reshape(ctx, headDim, m.NumHeads, seq, batch)
	value = value.Contiguous(ctx).Reshape(ctx, headDim, m.NumHeads, seq, batch)

	query = query.Permute(ctx, 0, 2, 1, 3)
	key = key.Permute(ctx, 0, 2, 1, 3)
	value = value.Permute(ctx, 1, 2, 0, 3)

	scores := key.MulmatFullPrec(ctx, query)
	scores = scores.Scale(ctx, 1.0/float64(math32.Sqrt(float32(headDim))))
	if mask != nil {
		scores = scores.Add(ctx, mask)
	}
	scores = scores.Softmax(ctx)

	attention := value.Mulmat(ctx, scores)
	attention = attention.Permute(ctx, 0, 2, 1, 3)
	attention = attention.Contiguous(ctx).Reshape(ctx, width, seq, batch)

	return m.OutProj.Forward(ctx, attention)
}
