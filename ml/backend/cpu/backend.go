// backend.go - Pure-Go CPU Referenz-Backend
// Dieses Modul implementiert ml.Backend ohne native Abhaengigkeiten.
// Alle Operationen werden eager ausgewertet; Forward/Compute sind
// Schnittstellen-Parität und veraendern nichts.
package cpu

import (
	"log/slog"

	"github.com/7blacky7/voxelclip/envconfig"
	"github.com/7blacky7/voxelclip/ml"
)

// Backend ist das CPU-Backend. Es haelt nur die Ausfuehrungsparameter.
type Backend struct {
	threads int
}

func init() {
	ml.RegisterBackend("cpu", func(params ml.BackendParams) (ml.Backend, error) {
		threads := params.NumThreads
		if threads <= 0 {
			threads = envconfig.NumThreads()
		}

		slog.Debug("initializing cpu backend", "threads", threads)
		return &Backend{threads: threads}, nil
	})
}

// Name gibt den Backend-Namen zurueck.
func (b *Backend) Name() string {
	return "cpu"
}

// Close gibt Ressourcen frei. Das CPU-Backend haelt keine externen
// Ressourcen, der Garbage Collector uebernimmt die Tensor-Daten.
func (b *Backend) Close() {}

// NewContext erstellt einen neuen Compute-Kontext.
func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}
