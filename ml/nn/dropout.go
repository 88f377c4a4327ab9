// dropout.go - Dropout-Platzhalter fuer Inferenz
package nn

import (
	"github.com/7blacky7/voxelclip/ml"
)

// Dropout traegt die Drop-Wahrscheinlichkeit aus dem Checkpoint, ist im
// Inferenz-Pfad aber die Identitaet. P bleibt erhalten, damit Konfigs
// verlustfrei durchgereicht werden koennen.
type Dropout struct {
	P float32
}

// Forward gibt t unveraendert zurueck.
func (m *Dropout) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return t
}
