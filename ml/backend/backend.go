// backend.go - Aggregator fuer verfuegbare Backends
// Dieses Modul registriert alle eingebauten Backends per Blank-Import.
package backend

import (
	_ "github.com/7blacky7/voxelclip/ml/backend/cpu"
)
