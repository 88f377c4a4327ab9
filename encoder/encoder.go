// MODUL: encoder
// ZWECK: Gemeinsamer Vertrag fuer alle Encoder-Tuerme
// INPUT: Tensoren in Backend-Layout (Bilder WHCN, Voxel WHDC, Sequenzen)
// OUTPUT: Embedding-Tensoren (embed_dim, batch)
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: ml
// HINWEISE: Optionale Faehigkeiten (Lock, Init, Checkpointing) sind
//           eigene Interfaces, Aufrufer pruefen per Type-Assertion.

package encoder

import (
	"errors"
	"math/rand"

	"github.com/7blacky7/voxelclip/ml"
)

// ============================================================================
// Fehler-Definitionen
// ============================================================================

var (
	ErrPartialUnlock = errors.New("encoder: partial unlocking not supported")
	ErrInputShape    = errors.New("encoder: unexpected input shape")
	ErrConfig        = errors.New("encoder: invalid configuration")
)

// ============================================================================
// Encoder Interfaces
// ============================================================================

// Encoder bildet einen Eingabe-Tensor auf ein Embedding (embed_dim, batch)
// ab.
type Encoder interface {
	Forward(ctx ml.Context, t ml.Tensor) ml.Tensor
}

// Locker friert Parametergruppen ein. unlockedGroups zaehlt die vom Ende
// her aufgetauten Gruppen; Implementierungen ohne Gruppen-Aufloesung
// geben fuer unlockedGroups > 0 ErrPartialUnlock zurueck.
type Locker interface {
	Lock(unlockedGroups int, freezeBNStats bool) error
}

// Initializer belegt Parameter mit den Startwerten des Trainings-Rezepts
// neu. ctx alloziert die neuen Tensoren, rng macht die Belegung
// reproduzierbar.
type Initializer interface {
	InitParameters(ctx ml.Context, rng *rand.Rand)
}

// GradCheckpointer schaltet Gradient-Checkpointing um. Der Schalter
// veraendert keine Numerik, nur die Speicherstrategie eines Trainers.
type GradCheckpointer interface {
	SetGradCheckpointing(enabled bool)
}
