// MODUL: posembed
// ZWECK: Umrechnen gespeicherter Positions-Embeddings auf neue Gitter
// INPUT: Embedding (width, positions), Ziel-Positionszahl
// OUTPUT: Embedding (width, target)
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: ml
// HINWEISE: Fuehrende Sonder-Tokens bleiben unveraendert; der Gitterteil
//           muss quadratisch sein und wird bikubisch mit align-corners
//           interpoliert, wie beim Feintuning auf andere Aufloesungen
//           ueblich.

package convert

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/7blacky7/voxelclip/ml"
)

// ResizePosEmbed rechnet pos von seiner Positionszahl auf target um.
// extraTokens zaehlt die fuehrenden Sonder-Tokens (Klassen-Token), die
// unveraendert uebernommen werden. Stimmen die Laengen bereits, kommt
// pos unveraendert zurueck.
func ResizePosEmbed(ctx ml.Context, pos ml.Tensor, target, extraTokens int) (ml.Tensor, error) {
	width := pos.Dim(0)
	current := pos.Dim(1)
	if current == target {
		return pos, nil
	}

	oldGrid := intSqrt(current - extraTokens)
	newGrid := intSqrt(target - extraTokens)
	if oldGrid < 0 || newGrid < 0 {
		return nil, fmt.Errorf("%w: positions %d -> %d with %d extra tokens do not form square grids", ErrShape, current, target, extraTokens)
	}

	slog.Info("resizing position embedding", "from", oldGrid, "to", newGrid, "extra_tokens", extraTokens)

	tail := pos.Slice(ctx, 1, extraTokens, current, 1)

	// (width, g*g) -> (g, g, width), Gitter interpolieren, zurueck.
	grid := tail.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx).Reshape(ctx, oldGrid, oldGrid, width)
	grid = grid.Interpolate(ctx, [4]int{newGrid, newGrid, width, 1}, ml.SamplingModeBicubic)
	tail = grid.Reshape(ctx, newGrid*newGrid, width).Permute(ctx, 1, 0, 2, 3).Contiguous(ctx)

	if extraTokens == 0 {
		return tail, nil
	}
	head := pos.Slice(ctx, 1, 0, extraTokens, 1)
	return head.Concat(ctx, tail, 1), nil
}

// intSqrt liefert die exakte Quadratwurzel oder -1.
func intSqrt(n int) int {
	if n < 0 {
		return -1
	}
	r := int(math.Round(math.Sqrt(float64(n))))
	if r*r != n {
		return -1
	}
	return r
}
