// MODUL: torch
// ZWECK: Laden von PyTorch-Checkpoints in ein StateDict
// INPUT: Pfad zu einer torch.save-Datei
// OUTPUT: StateDict mit Tensoren auf dem uebergebenen Context
// NEBENEFFEKTE: Liest die Datei, alloziert Tensoren
// ABHAENGIGKEITEN: ml, logutil, nlpodyssey/gopickle
// HINWEISE: Torch speichert row-major mit fuehrender Dimension zuerst;
//           beim Umzug in das Backend wird nur die Formliste gedreht,
//           die Daten bleiben byte-identisch.

package convert

import (
	"fmt"
	"log/slog"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/7blacky7/voxelclip/logutil"
	"github.com/7blacky7/voxelclip/ml"
)

// LoadTorch liest einen PyTorch-Checkpoint und materialisiert alle
// Parameter als F32-Tensoren im Context.
func LoadTorch(ctx ml.Context, path string) (StateDict, error) {
	raw, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("convert: load %s: %w", path, err)
	}

	entries, err := dictEntries(raw)
	if err != nil {
		return nil, fmt.Errorf("convert: %s: %w", path, err)
	}

	// Trainings-Checkpoints verpacken die Parameter oft unter
	// "state_dict".
	if inner, ok := entries["state_dict"]; ok {
		if entries, err = dictEntries(inner); err != nil {
			return nil, fmt.Errorf("convert: %s: %w", path, err)
		}
	}

	sd := make(StateDict, len(entries))
	for key, value := range entries {
		tensor, ok := value.(*pytorch.Tensor)
		if !ok {
			slog.Debug("skipping non-tensor checkpoint entry", "key", key)
			continue
		}

		t, err := fromTorch(ctx, tensor)
		if err != nil {
			return nil, fmt.Errorf("convert: %s: %s: %w", path, key, err)
		}
		logutil.Trace("materialized checkpoint tensor", "key", key, "shape", t.Shape())
		sd[key] = t
	}

	slog.Info("loaded torch checkpoint", "path", path, "parameters", len(sd))

	return sd, nil
}

// dictEntries entfaltet die Dict-Varianten von gopickle in eine Map.
func dictEntries(raw any) (map[string]any, error) {
	out := make(map[string]any)
	switch d := raw.(type) {
	case *types.Dict:
		for _, entry := range *d {
			key, ok := entry.Key.(string)
			if !ok {
				continue
			}
			out[key] = entry.Value
		}
	case *types.OrderedDict:
		for key, entry := range d.Map {
			name, ok := key.(string)
			if !ok {
				continue
			}
			out[name] = entry.Value
		}
	default:
		return nil, fmt.Errorf("%w: got %T", ErrNotStateDict, raw)
	}

	return out, nil
}

// fromTorch kopiert einen gopickle-Tensor in den Context. Die Formliste
// wird gedreht, Skalare werden zu (1).
func fromTorch(ctx ml.Context, t *pytorch.Tensor) (ml.Tensor, error) {
	n := 1
	for _, d := range t.Size {
		n *= d
	}

	data := make([]float32, n)
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		copy(data, s.Data[t.StorageOffset:t.StorageOffset+n])
	case *pytorch.HalfStorage:
		copy(data, s.Data[t.StorageOffset:t.StorageOffset+n])
	case *pytorch.BFloat16Storage:
		copy(data, s.Data[t.StorageOffset:t.StorageOffset+n])
	case *pytorch.DoubleStorage:
		for i, v := range s.Data[t.StorageOffset : t.StorageOffset+n] {
			data[i] = float32(v)
		}
	case *pytorch.IntStorage:
		for i, v := range s.Data[t.StorageOffset : t.StorageOffset+n] {
			data[i] = float32(v)
		}
	case *pytorch.LongStorage:
		for i, v := range s.Data[t.StorageOffset : t.StorageOffset+n] {
			data[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("%w: storage %T", ErrUnsupported, t.Source)
	}

	shape := make([]int, 0, max(len(t.Size), 1))
	for i := len(t.Size) - 1; i >= 0; i-- {
		shape = append(shape, t.Size[i])
	}
	if len(shape) == 0 {
		shape = append(shape, 1)
	}

	return ctx.FromFloats(data, shape...), nil
}
