package uniter

import (
	"cmp"
	"strings"

	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/model/heads"
	"github.com/jmorganca/uniter/model/losses"
	"github.com/jmorganca/uniter/model/models/bert"
	"github.com/jmorganca/uniter/pretrained"
)

// ImageEmbeddingsConfig configures the image embedding unit.
type ImageEmbeddingsConfig struct {
	ImgDim            int     `mapstructure:"img_dim"`
	HiddenSize        int     `mapstructure:"hidden_size"`
	Eps               float32 `mapstructure:"eps"`
	HiddenDropoutProb float32 `mapstructure:"hidden_dropout_prob"`
	PosDim            int     `mapstructure:"pos_dim"`
}

func DefaultImageEmbeddingsConfig() ImageEmbeddingsConfig {
	return ImageEmbeddingsConfig{
		ImgDim:     2048,
		HiddenSize: 768,
		Eps:        1e-12,
		PosDim:     7,
	}
}

func (c ImageEmbeddingsConfig) normalized() ImageEmbeddingsConfig {
	d := DefaultImageEmbeddingsConfig()
	c.ImgDim = cmp.Or(c.ImgDim, d.ImgDim)
	c.HiddenSize = cmp.Or(c.HiddenSize, d.HiddenSize)
	c.Eps = cmp.Or(c.Eps, d.Eps)
	c.PosDim = cmp.Or(c.PosDim, d.PosDim)
	return c
}

// TextEmbeddingsConfig overrides the text embedding table sizes of the
// pretrained encoder configuration.
type TextEmbeddingsConfig struct {
	VocabSize             int     `mapstructure:"vocab_size"`
	HiddenSize            int     `mapstructure:"hidden_size"`
	MaxPositionEmbeddings int     `mapstructure:"max_position_embeddings"`
	Eps                   float32 `mapstructure:"eps"`
	HiddenDropoutProb     float32 `mapstructure:"hidden_dropout_prob"`
	PadTokenID            int     `mapstructure:"pad_token_id"`
	TypeVocabSize         int     `mapstructure:"type_vocab_size"`
}

func DefaultTextEmbeddingsConfig() TextEmbeddingsConfig {
	return TextEmbeddingsConfig{
		VocabSize:             30522,
		HiddenSize:            768,
		MaxPositionEmbeddings: 512,
		Eps:                   1e-12,
		TypeVocabSize:         2,
	}
}

func (c TextEmbeddingsConfig) normalized() TextEmbeddingsConfig {
	d := DefaultTextEmbeddingsConfig()
	c.VocabSize = cmp.Or(c.VocabSize, d.VocabSize)
	c.HiddenSize = cmp.Or(c.HiddenSize, d.HiddenSize)
	c.MaxPositionEmbeddings = cmp.Or(c.MaxPositionEmbeddings, d.MaxPositionEmbeddings)
	c.Eps = cmp.Or(c.Eps, d.Eps)
	c.TypeVocabSize = cmp.Or(c.TypeVocabSize, d.TypeVocabSize)
	return c
}

// Config configures the joint encoder base. Values resolve in three
// layers: built-in defaults, then these explicit overrides, then (for the
// text path) the pretrained encoder's own configuration overridden by the
// merged text embedding options.
type Config struct {
	HiddenSize        int     `mapstructure:"hidden_size"`
	Eps               float32 `mapstructure:"eps"`
	HiddenDropoutProb float32 `mapstructure:"hidden_dropout_prob"`

	// RandomInit instantiates the encoder architecture without loading
	// pretrained weights.
	RandomInit bool `mapstructure:"random_init"`

	// BertModelName is the checkpoint name the text encoder configuration
	// and weights are fetched under.
	BertModelName string `mapstructure:"bert_model_name"`

	TextEmbeddings  TextEmbeddingsConfig  `mapstructure:"text_embeddings"`
	ImageEmbeddings ImageEmbeddingsConfig `mapstructure:"image_embeddings"`

	// Encoder overrides applied on top of the fetched configuration.
	Encoder bert.Config `mapstructure:"encoder"`

	// DType is the numeric precision the additive attention mask is cast
	// to before entering the encoder.
	DType ml.DType `mapstructure:"-"`

	// Source overrides where pretrained checkpoints are fetched from.
	// Nil uses the default source list.
	Source pretrained.Source `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		HiddenSize:      768,
		Eps:             1e-12,
		BertModelName:   "bert-base-uncased",
		TextEmbeddings:  DefaultTextEmbeddingsConfig(),
		ImageEmbeddings: DefaultImageEmbeddingsConfig(),
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	c.HiddenSize = cmp.Or(c.HiddenSize, d.HiddenSize)
	c.Eps = cmp.Or(c.Eps, d.Eps)
	c.BertModelName = cmp.Or(c.BertModelName, d.BertModelName)
	c.TextEmbeddings = c.TextEmbeddings.normalized()
	c.ImageEmbeddings = c.ImageEmbeddings.normalized()
	return c
}

// mergeEncoderConfig lays explicit overrides over the fetched encoder
// configuration.
func mergeEncoderConfig(base, overrides bert.Config) bert.Config {
	base = base.Normalized()
	base.VocabSize = cmp.Or(overrides.VocabSize, base.VocabSize)
	base.HiddenSize = cmp.Or(overrides.HiddenSize, base.HiddenSize)
	base.NumLayers = cmp.Or(overrides.NumLayers, base.NumLayers)
	base.NumHeads = cmp.Or(overrides.NumHeads, base.NumHeads)
	base.IntermediateSize = cmp.Or(overrides.IntermediateSize, base.IntermediateSize)
	base.MaxPositionEmbeddings = cmp.Or(overrides.MaxPositionEmbeddings, base.MaxPositionEmbeddings)
	base.TypeVocabSize = cmp.Or(overrides.TypeVocabSize, base.TypeVocabSize)
	base.PadTokenID = cmp.Or(overrides.PadTokenID, base.PadTokenID)
	base.Eps = cmp.Or(overrides.Eps, base.Eps)
	base.HiddenDropoutProb = cmp.Or(overrides.HiddenDropoutProb, base.HiddenDropoutProb)
	return base
}

// ParseTasks splits a comma-separated task list; already-split lists pass
// through unchanged.
func ParseTasks[T string | []string](tasks T) []string {
	switch t := any(tasks).(type) {
	case string:
		parts := strings.Split(t, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	case []string:
		return t
	default:
		return nil
	}
}

// ClassificationConfig configures the classification wrapper.
type ClassificationConfig struct {
	Config `mapstructure:",squash"`

	Heads  map[string]heads.Config `mapstructure:"heads"`
	Losses map[string]losses.Kind  `mapstructure:"losses"`
	Tasks  []string                `mapstructure:"tasks"`
}

// PretrainingConfig configures the pretraining wrapper.
type PretrainingConfig struct {
	Config `mapstructure:",squash"`

	Heads  map[string]heads.Config `mapstructure:"heads"`
	Losses map[string]losses.Kind  `mapstructure:"losses"`
	Tasks  []string                `mapstructure:"tasks"`

	// MaskProbability is the per-region Bernoulli rate for mrc/mrfr
	// feature masking.
	MaskProbability float32 `mapstructure:"mask_probability"`
}
