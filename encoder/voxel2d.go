// MODUL: voxel2d
// ZWECK: Adapter, der ein Voxel-Gitter als Kanalstapel fuer den 2D-Turm
//        aufbereitet
// INPUT: Voxel-Tensor (A0, A1, A2, N), eine Achse wird Kanalachse
// OUTPUT: Embedding des inneren VisionTransformer
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: ml, vit.go
// HINWEISE: Komposition statt Vererbung: der Adapter besitzt den
//           inneren Turm und delegiert Lock/Init/Checkpointing.

package encoder

import (
	"fmt"
	"math/rand"

	"github.com/7blacky7/voxelclip/ml"
)

// Voxel2DAdapter permutiert die gewaehlte Achse eines Voxel-Gitters in
// die Kanalposition, fuellt die beiden verbleibenden Achsen mit Nullen
// auf die Bildgroesse auf und delegiert an einen VisionTransformer.
type Voxel2DAdapter struct {
	Inner *VisionTransformer `sd:"inner"`

	// ChannelAxis waehlt die Gitterachse (0..2), die zur Kanalachse wird.
	ChannelAxis int
}

// NewVoxel2DAdapter baut den Adapter. Die Groesse der gewaehlten Achse
// muss der Kanalzahl des inneren Turms entsprechen; das wird beim
// Forward geprueft, weil der Adapter die Gittergroesse nicht kennt.
func NewVoxel2DAdapter(inner *VisionTransformer, channelAxis int) (*Voxel2DAdapter, error) {
	if channelAxis < 0 || channelAxis > 2 {
		return nil, fmt.Errorf("%w: channel axis %d out of range [0,2]", ErrConfig, channelAxis)
	}

	return &Voxel2DAdapter{Inner: inner, ChannelAxis: channelAxis}, nil
}

// Forward bereitet (a0, a1, a2, n) auf (image_size, image_size, c, n)
// auf und delegiert. Achsen, die nach der Permutation groesser als die
// Bildgroesse sind, werden abgewiesen.
func (m *Voxel2DAdapter) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return m.Inner.Forward(ctx, m.arrange(ctx, t))
}

// arrange permutiert die Kanalachse auf Position 2. Von den uebrigen
// Achsen wird die erste zur Hoehe (Position 1), die zweite zur Breite
// (Position 0), dann wird auf die Bildgroesse aufgefuellt.
func (m *Voxel2DAdapter) arrange(ctx ml.Context, t ml.Tensor) ml.Tensor {
	perm := [4]int{0, 0, 0, 3}
	next := 1
	for axis := 0; axis < 3; axis++ {
		if axis == m.ChannelAxis {
			perm[axis] = 2
			continue
		}
		perm[axis] = next
		next--
	}
	x := t.Permute(ctx, perm[0], perm[1], perm[2], perm[3]).Contiguous(ctx)

	size := m.Inner.ImageSize
	if x.Dim(0) > size || x.Dim(1) > size {
		panic(fmt.Sprintf("%v: voxel plane %dx%d exceeds image size %d", ErrInputShape, x.Dim(0), x.Dim(1), size))
	}
	if x.Dim(2) != m.Inner.Channels {
		panic(fmt.Sprintf("%v: voxel axis %d has %d slices, tower expects %d channels", ErrInputShape, m.ChannelAxis, x.Dim(2), m.Inner.Channels))
	}

	if x.Dim(0) < size || x.Dim(1) < size {
		x = x.Pad(ctx, size-x.Dim(0), size-x.Dim(1), 0, 0)
	}

	return x
}

// Lock delegiert an den inneren Turm.
func (m *Voxel2DAdapter) Lock(unlockedGroups int, freezeBNStats bool) error {
	return m.Inner.Lock(unlockedGroups, freezeBNStats)
}

// SetGradCheckpointing delegiert an den inneren Turm.
func (m *Voxel2DAdapter) SetGradCheckpointing(enabled bool) {
	m.Inner.SetGradCheckpointing(enabled)
}

// InitParameters delegiert an den inneren Turm.
func (m *Voxel2DAdapter) InitParameters(ctx ml.Context, rng *rand.Rand) {
	m.Inner.InitParameters(ctx, rng)
}
