// MODUL: fp16
// ZWECK: Selektive FP16-Konvertierung eines Modells
// INPUT: Modell-Struct (Pointer)
// OUTPUT: Dasselbe Modell, Gewichte der Projektions-Schichten in F16
// NEBENEFFEKTE: Ersetzt Tensor-Felder im Modell
// ABHAENGIGKEITEN: ml, ml/nn
// HINWEISE: Konvertiert werden Linear-, Conv- und Attention-Gewichte
//           sowie Felder, die als "proj" oder "text_projection" getaggt
//           sind. Normierungs-Parameter und Embeddings bleiben F32,
//           damit die Statistik-Pfade stabil bleiben.

package convert

import (
	"reflect"

	"github.com/7blacky7/voxelclip/ml"
	"github.com/7blacky7/voxelclip/ml/nn"
)

// ConvertWeightsToFP16 laeuft ueber das Modell und konvertiert die
// Gewichte der Projektions-Schichten nach F16. Die Topologie bleibt
// unveraendert.
func ConvertWeightsToFP16(ctx ml.Context, model any) {
	convertFP16(ctx, reflect.ValueOf(model))
}

func convertFP16(ctx ml.Context, v reflect.Value) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Struct:
		if v.CanAddr() {
			switch layer := v.Addr().Interface().(type) {
			case *nn.Linear:
				layer.Weight = castFP16(ctx, layer.Weight)
				layer.Bias = castFP16(ctx, layer.Bias)
				return
			case *nn.Conv1D:
				layer.Weight = castFP16(ctx, layer.Weight)
				layer.Bias = castFP16(ctx, layer.Bias)
				return
			case *nn.Conv2D:
				layer.Weight = castFP16(ctx, layer.Weight)
				layer.Bias = castFP16(ctx, layer.Bias)
				return
			case *nn.Conv3D:
				layer.Weight = castFP16(ctx, layer.Weight)
				layer.Bias = castFP16(ctx, layer.Bias)
				return
			case *nn.MultiheadAttention:
				layer.InProjWeight = castFP16(ctx, layer.InProjWeight)
				layer.InProjBias = castFP16(ctx, layer.InProjBias)
				convertFP16(ctx, reflect.ValueOf(layer.OutProj))
				return
			}
		}

		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := v.Field(i)
			tag := t.Field(i).Tag.Get("sd")

			if field.Type() == tensorType {
				if tag == "proj" || tag == "text_projection" {
					if current, _ := field.Interface().(ml.Tensor); current != nil && field.CanSet() {
						field.Set(reflect.ValueOf(castFP16(ctx, current)))
					}
				}
				continue
			}
			convertFP16(ctx, field)
		}

	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			convertFP16(ctx, v.Index(i))
		}
	}
}

func castFP16(ctx ml.Context, t ml.Tensor) ml.Tensor {
	if t == nil {
		return nil
	}
	return t.Cast(ctx, ml.DTypeF16)
}
