// MODUL: statedict
// ZWECK: Parameter-Woerterbuch fuer Checkpoint-Interop
// INPUT: Gepunktete Parameterpfade und Tensoren
// OUTPUT: StateDict mit Zugriffs- und Inspektions-Helfern
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: ml
// HINWEISE: Schluessel folgen der Checkpoint-Konvention
//           ("visual.conv1.weight", "transformer.resblocks.0.attn...").

package convert

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/7blacky7/voxelclip/ml"
)

var (
	ErrMissingKey   = errors.New("convert: missing parameter")
	ErrUnusedKeys   = errors.New("convert: unused parameters")
	ErrShape        = errors.New("convert: shape mismatch")
	ErrUnsupported  = errors.New("convert: unsupported value")
	ErrNotStateDict = errors.New("convert: checkpoint does not contain a state dict")
)

// StateDict bildet gepunktete Parameterpfade auf Tensoren ab.
type StateDict map[string]ml.Tensor

// Keys liefert alle Pfade sortiert.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get liefert den Tensor zum Pfad oder einen Fehler, der den Pfad nennt.
func (sd StateDict) Get(key string) (ml.Tensor, error) {
	t, ok := sd[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	return t, nil
}

// WithPrefix liefert alle Eintraege unter prefix, den Prefix entfernt.
func (sd StateDict) WithPrefix(prefix string) StateDict {
	out := make(StateDict)
	for k, t := range sd {
		if rest, ok := strings.CutPrefix(k, prefix+"."); ok {
			out[rest] = t
		}
	}
	return out
}

// CountMatching zaehlt Eintraege, deren Pfad alle Teilstuecke enthaelt.
func (sd StateDict) CountMatching(parts ...string) int {
	n := 0
	for k := range sd {
		ok := true
		for _, p := range parts {
			if !strings.Contains(k, p) {
				ok = false
				break
			}
		}
		if ok {
			n++
		}
	}
	return n
}
