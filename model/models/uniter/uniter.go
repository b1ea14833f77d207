package uniter

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/jmorganca/uniter/fs"
	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/model"
	"github.com/jmorganca/uniter/model/input"
)

func init() {
	model.Register("uniter", newFromFS)
	model.Register("uniter_for_pretraining", newPretrainingFromFS)
}

// UniterConfig selects between the classification and pretraining
// wrappers and carries their shared options.
type UniterConfig struct {
	PretrainingConfig `mapstructure:",squash"`

	DoPretraining bool `mapstructure:"do_pretraining"`
}

// Uniter is the top-level model. It fills in derivable batch fields
// before delegating to the selected wrapper: raw detector features,
// position geometry, position ids and the fused attention mask.
type Uniter struct {
	Inner model.Model `weights:"model"`
}

func NewUniter(ctx ml.Context, c UniterConfig) (*Uniter, error) {
	if c.DoPretraining {
		inner, err := NewForPretraining(ctx, c.PretrainingConfig)
		if err != nil {
			return nil, err
		}
		return &Uniter{Inner: inner}, nil
	}

	inner, err := NewForClassification(ctx, ClassificationConfig{
		Config: c.Config,
		Heads:  c.Heads,
		Losses: c.Losses,
		Tasks:  c.Tasks,
	})
	if err != nil {
		return nil, err
	}
	return &Uniter{Inner: inner}, nil
}

func (m *Uniter) Forward(ctx ml.Context, batch *input.Batch) (*model.Output, error) {
	b, err := normalizeBatch(ctx, batch)
	if err != nil {
		return nil, err
	}

	return m.Inner.Forward(ctx, b)
}

// normalizeBatch derives standard fields missing from a raw dataset
// batch, on a clone.
func normalizeBatch(ctx ml.Context, batch *input.Batch) (*input.Batch, error) {
	b := batch.Clone()

	if !b.Has(input.ImageFeat) {
		feat := b.Get(input.ImageFeature0)
		if feat == nil {
			return nil, fmt.Errorf("uniter: batch is missing %q", input.ImageFeat)
		}
		b.Set(input.ImageFeat, feat)
	}

	if !b.Has(input.ImagePosFeat) {
		pos, err := positionFeatures(ctx, b)
		if err != nil {
			return nil, err
		}
		b.Set(input.ImagePosFeat, pos)
	}

	inputIDs := b.Get(input.InputIDs)
	if inputIDs == nil {
		return nil, fmt.Errorf("uniter: batch is missing %q", input.InputIDs)
	}

	if !b.Has(input.PositionIDs) {
		seqLen := inputIDs.Dim(1)
		b.Set(input.PositionIDs, ctx.Arange(0, float32(seqLen), 1, ml.DTypeI32).Reshape(ctx, 1, seqLen))
	}

	if !b.Has(input.AttentionMask) {
		inputMask := b.Get(input.InputMask)
		imageMask := b.Get(input.ImageMask)
		if inputMask == nil || imageMask == nil {
			return nil, fmt.Errorf("uniter: deriving %q needs %q and %q", input.AttentionMask, input.InputMask, input.ImageMask)
		}
		b.Set(input.AttentionMask, inputMask.Concat(ctx, imageMask, 1))
	}

	return b, nil
}

// positionFeatures builds the 7-dimensional region geometry from detector
// boxes: corners normalized by image size, width, height and area.
func positionFeatures(ctx ml.Context, batch *input.Batch) (ml.Tensor, error) {
	bbox := batch.ImageInfo["bbox"]
	width := batch.ImageInfo["image_width"]
	height := batch.ImageInfo["image_height"]
	if bbox == nil || width == nil || height == nil {
		return nil, errors.New("uniter: deriving region positions needs bbox and image size info")
	}

	batchSize, regions := bbox.Dim(0), bbox.Dim(1)
	boxes := bbox.Floats()
	ws, hs := width.Floats(), height.Floats()
	boxDim := bbox.Dim(2)

	pos := make([]float32, batchSize*regions*7)
	for i := 0; i < batchSize; i++ {
		for j := 0; j < regions; j++ {
			src := boxes[(i*regions+j)*boxDim:]
			x1, y1 := src[0]/ws[i], src[1]/hs[i]
			x2, y2 := src[2]/ws[i], src[3]/hs[i]
			w, h := x2-x1, y2-y1

			dst := pos[(i*regions+j)*7:]
			dst[0], dst[1], dst[2], dst[3] = x1, y1, x2, y2
			dst[4], dst[5], dst[6] = w, h, w*h
		}
	}

	return ctx.FromFloats(pos, batchSize, regions, 7), nil
}

func decodeConfig(c fs.Config, out any) error {
	raw := make(map[string]any)
	for k := range c.Keys() {
		raw[k] = c.Value(k)
	}

	// Task lists arrive either comma-separated or already split.
	if s, ok := raw["tasks"].(string); ok {
		raw["tasks"] = ParseTasks(s)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}

	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("uniter: decoding model configuration: %w", err)
	}

	return nil
}

func newFromFS(ctx ml.Context, c fs.Config) (model.Model, error) {
	var cfg UniterConfig
	if err := decodeConfig(c, &cfg); err != nil {
		return nil, err
	}

	return NewUniter(ctx, cfg)
}

func newPretrainingFromFS(ctx ml.Context, c fs.Config) (model.Model, error) {
	var cfg UniterConfig
	if err := decodeConfig(c, &cfg); err != nil {
		return nil, err
	}
	cfg.DoPretraining = true

	return NewUniter(ctx, cfg)
}
