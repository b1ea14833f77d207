package bert

import (
	"cmp"

	"github.com/jmorganca/uniter/fs"
)

// Config describes a BERT text encoder. Zero values fall back to the
// bert-base-uncased architecture via Normalized.
type Config struct {
	VocabSize             int     `mapstructure:"vocab_size"`
	HiddenSize            int     `mapstructure:"hidden_size"`
	NumLayers             int     `mapstructure:"num_hidden_layers"`
	NumHeads              int     `mapstructure:"num_attention_heads"`
	IntermediateSize      int     `mapstructure:"intermediate_size"`
	MaxPositionEmbeddings int     `mapstructure:"max_position_embeddings"`
	TypeVocabSize         int     `mapstructure:"type_vocab_size"`
	PadTokenID            int     `mapstructure:"pad_token_id"`
	Eps                   float32 `mapstructure:"layer_norm_eps"`
	HiddenDropoutProb     float32 `mapstructure:"hidden_dropout_prob"`
}

func DefaultConfig() Config {
	return Config{
		VocabSize:             30522,
		HiddenSize:            768,
		NumLayers:             12,
		NumHeads:              12,
		IntermediateSize:      3072,
		MaxPositionEmbeddings: 512,
		TypeVocabSize:         2,
		PadTokenID:            0,
		Eps:                   1e-12,
	}
}

// Normalized fills unset fields from the defaults.
func (c Config) Normalized() Config {
	d := DefaultConfig()
	c.VocabSize = cmp.Or(c.VocabSize, d.VocabSize)
	c.HiddenSize = cmp.Or(c.HiddenSize, d.HiddenSize)
	c.NumLayers = cmp.Or(c.NumLayers, d.NumLayers)
	c.NumHeads = cmp.Or(c.NumHeads, d.NumHeads)
	c.IntermediateSize = cmp.Or(c.IntermediateSize, d.IntermediateSize)
	c.MaxPositionEmbeddings = cmp.Or(c.MaxPositionEmbeddings, d.MaxPositionEmbeddings)
	c.TypeVocabSize = cmp.Or(c.TypeVocabSize, d.TypeVocabSize)
	c.Eps = cmp.Or(c.Eps, d.Eps)
	return c
}

// ConfigFromFS reads an encoder configuration from checkpoint metadata.
func ConfigFromFS(c fs.Config) Config {
	d := DefaultConfig()
	return Config{
		VocabSize:             c.Int("vocab_size", d.VocabSize),
		HiddenSize:            c.Int("hidden_size", d.HiddenSize),
		NumLayers:             c.Int("num_hidden_layers", d.NumLayers),
		NumHeads:              c.Int("num_attention_heads", d.NumHeads),
		IntermediateSize:      c.Int("intermediate_size", d.IntermediateSize),
		MaxPositionEmbeddings: c.Int("max_position_embeddings", d.MaxPositionEmbeddings),
		TypeVocabSize:         c.Int("type_vocab_size", d.TypeVocabSize),
		PadTokenID:            c.Int("pad_token_id", d.PadTokenID),
		Eps:                   c.Float("layer_norm_eps", d.Eps),
		HiddenDropoutProb:     c.Float("hidden_dropout_prob", d.HiddenDropoutProb),
	}
}
