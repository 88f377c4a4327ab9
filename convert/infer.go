// MODUL: infer
// ZWECK: Modellbau aus einem OpenAI-CLIP-StateDict
// INPUT: StateDict eines OpenAI-Checkpoints
// OUTPUT: Fertig befuelltes CLIP-Modell
// NEBENEFFEKTE: Loggt die erkannte Architektur
// ABHAENGIGKEITEN: ml, clip, envconfig, statedict.go, reflect.go, fp16.go
// HINWEISE: Die Architektur wird komplett aus den Tensor-Formen
//           abgeleitet; der Checkpoint traegt keine expliziten
//           Hyperparameter. Torch-Formen erscheinen hier gedreht.

package convert

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/7blacky7/voxelclip/clip"
	"github.com/7blacky7/voxelclip/envconfig"
	"github.com/7blacky7/voxelclip/ml"
)

// Veraltete Skalar-Eintraege frueher Checkpoints, die kein Parameter
// sind und vor dem Befuellen verworfen werden.
var legacyKeys = []string{"input_resolution", "context_length", "vocab_size"}

// BuildFromOpenAIStateDict leitet die Architektur aus den Formen des
// StateDicts ab, baut ein CLIP mit Quick-GELU, rundet die
// Projektions-Gewichte auf F16 und befuellt das Modell.
func BuildFromOpenAIStateDict(ctx ml.Context, sd StateDict) (*clip.CLIP, error) {
	vision, err := inferVision(sd)
	if err != nil {
		return nil, err
	}

	textProjection, err := sd.Get("text_projection")
	if err != nil {
		return nil, err
	}
	posEmbed, err := sd.Get("positional_embedding")
	if err != nil {
		return nil, err
	}
	tokenEmbed, err := sd.Get("token_embedding.weight")
	if err != nil {
		return nil, err
	}
	lnFinal, err := sd.Get("ln_final.weight")
	if err != nil {
		return nil, err
	}

	embedDim := textProjection.Dim(0)
	text := clip.TextConfig{
		ContextLength: posEmbed.Dim(1),
		VocabSize:     tokenEmbed.Dim(1),
		Width:         lnFinal.Dim(0),
		Heads:         lnFinal.Dim(0) / 64,
		Layers:        countBlocks(sd, "transformer.resblocks."),
	}

	slog.Info("inferred clip architecture",
		"embed_dim", embedDim,
		"vision_layers", vision.Layers,
		"vision_layer_count", vision.LayerCount,
		"vision_width", vision.Width,
		"image_size", vision.ImageSize,
		"context_length", text.ContextLength,
		"text_width", text.Width,
		"text_layers", text.Layers)

	model, err := clip.NewCLIP(ctx, embedDim, vision, text, true, nil)
	if err != nil {
		return nil, err
	}

	cleaned := make(StateDict, len(sd))
	for k, v := range sd {
		// Batch-Zaehler der Torch-BatchNorm sind kein Parameter.
		if strings.HasSuffix(k, ".num_batches_tracked") {
			continue
		}
		cleaned[k] = v
	}
	for _, k := range legacyKeys {
		delete(cleaned, k)
	}

	if err := Populate(model, cleaned); err != nil {
		return nil, err
	}
	if !envconfig.KeepFP32() {
		ConvertWeightsToFP16(ctx, model)
	}

	return model, nil
}

// inferVision erkennt den Bild-Turm: ein ViT traegt "visual.proj",
// sonst ist es der ResNet.
func inferVision(sd StateDict) (clip.VisionConfig, error) {
	if _, ok := sd["visual.proj"]; ok {
		conv1, err := sd.Get("visual.conv1.weight")
		if err != nil {
			return clip.VisionConfig{}, err
		}
		pos, err := sd.Get("visual.positional_embedding")
		if err != nil {
			return clip.VisionConfig{}, err
		}

		width := conv1.Dim(3)
		patch := conv1.Dim(0)
		grid := intSqrt(pos.Dim(1) - 1)
		if grid < 0 {
			return clip.VisionConfig{}, fmt.Errorf("%w: visual positional embedding with %d positions is not a square grid", ErrShape, pos.Dim(1))
		}

		return clip.VisionConfig{
			LayerCount: sd.CountMatching("visual.", ".attn.in_proj_weight"),
			Width:      width,
			PatchSize:  patch,
			ImageSize:  patch * grid,
		}, nil
	}

	conv1, err := sd.Get("visual.layer1.0.conv1.weight")
	if err != nil {
		return clip.VisionConfig{}, err
	}
	pos, err := sd.Get("visual.attnpool.positional_embedding")
	if err != nil {
		return clip.VisionConfig{}, err
	}

	outputWidth := intSqrt(pos.Dim(1) - 1)
	if outputWidth < 0 {
		return clip.VisionConfig{}, fmt.Errorf("%w: attnpool positional embedding with %d positions is not a square grid", ErrShape, pos.Dim(1))
	}

	layers := make([]int, 4)
	for stage := range layers {
		layers[stage] = countBlocks(sd, fmt.Sprintf("visual.layer%d.", stage+1))
	}

	return clip.VisionConfig{
		Layers:    layers,
		Width:     conv1.Dim(3),
		ImageSize: outputWidth * 32,
	}, nil
}

// countBlocks zaehlt die eindeutigen Block-Indizes unter prefix.
func countBlocks(sd StateDict, prefix string) int {
	seen := make(map[int]bool)
	for k := range sd {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		idx, _, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(idx); err == nil {
			seen[n] = true
		}
	}
	return len(seen)
}
