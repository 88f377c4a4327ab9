// MODUL: reflect
// ZWECK: Export und Befuellung von Modellen ueber sd-Struct-Tags
// INPUT: Modell-Struct (Pointer) und StateDict
// OUTPUT: StateDict beim Export, gesetzte Tensor-Felder beim Befuellen
// NEBENEFFEKTE: Populate schreibt in die Felder des Modells
// ABHAENGIGKEITEN: ml, logutil, statedict.go
// HINWEISE: Nur Felder mit sd-Tag nehmen teil. Slices haengen den Index
//           an den Pfad an ("resblocks.3"), Interfaces werden ueber den
//           dynamischen Wert verfolgt, nil-Tensoren gelten als
//           nicht vorhandene Parameter (etwa fehlende Biases).

package convert

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/7blacky7/voxelclip/logutil"
	"github.com/7blacky7/voxelclip/ml"
)

var tensorType = reflect.TypeOf((*ml.Tensor)(nil)).Elem()

// Export sammelt alle getaggten, nicht-nil Tensoren des Modells unter
// ihren gepunkteten Pfaden ein.
func Export(model any) StateDict {
	sd := make(StateDict)
	walk(reflect.ValueOf(model), nil, func(path string, field reflect.Value) error {
		if t, ok := field.Interface().(ml.Tensor); ok && t != nil {
			sd[path] = t
		}
		return nil
	})
	return sd
}

// Populate setzt alle getaggten Tensor-Felder aus dem StateDict und
// prueft die Formen. Fehlende und uebrige Schluessel sind Fehler.
func Populate(model any, sd StateDict) error {
	used := make(map[string]bool, len(sd))

	err := walk(reflect.ValueOf(model), nil, func(path string, field reflect.Value) error {
		current, _ := field.Interface().(ml.Tensor)
		if current == nil {
			return nil
		}

		replacement, err := sd.Get(path)
		if err != nil {
			return err
		}
		used[path] = true

		if !shapeEqual(current.Shape(), replacement.Shape()) {
			return fmt.Errorf("%w: %s has %v, checkpoint has %v", ErrShape, path, current.Shape(), replacement.Shape())
		}
		logutil.Trace("assigning parameter", "path", path, "shape", replacement.Shape())
		field.Set(reflect.ValueOf(replacement))

		return nil
	})
	if err != nil {
		return err
	}

	var unused []string
	for k := range sd {
		if !used[k] {
			unused = append(unused, k)
		}
	}
	if len(unused) > 0 {
		return fmt.Errorf("%w: %s", ErrUnusedKeys, strings.Join(unused, ", "))
	}

	return nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// walk laeuft rekursiv ueber getaggte Felder und ruft fn fuer jedes
// Tensor-Feld mit seinem Pfad auf.
func walk(v reflect.Value, path []string, fn func(path string, field reflect.Value) error) error {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			tag, ok := t.Field(i).Tag.Lookup("sd")
			if !ok || tag == "-" {
				continue
			}

			field := v.Field(i)
			next := append(append([]string(nil), path...), strings.Split(tag, ".")...)

			if field.Type() == tensorType {
				if err := fn(strings.Join(next, "."), field); err != nil {
					return err
				}
				continue
			}
			if err := walk(field, next, fn); err != nil {
				return err
			}
		}

	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			next := append(append([]string(nil), path...), strconv.Itoa(i))
			if err := walk(v.Index(i), next, fn); err != nil {
				return err
			}
		}
	}

	return nil
}
