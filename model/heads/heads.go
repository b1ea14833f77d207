// Package heads implements the per-task output heads. The task set is
// fixed, so heads are dispatched through a compile-time kind map rather
// than a runtime registry.
package heads

import (
	"cmp"
	"fmt"

	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/model/input"
)

type Kind string

const (
	MLP  Kind = "mlp"
	MLM  Kind = "mlm"
	ITM  Kind = "itm"
	MRC  Kind = "mrc"
	MRFR Kind = "mrfr"
	WRA  Kind = "wra"
)

// Canonical loss names reported by the pretraining heads.
const (
	MaskedLMLossName = "masked_lm_loss"
	ITMLossName      = "itm_loss"
	MRCLossName      = "mrc_loss"
	MRFRLossName     = "mrfr_loss"
	WRALossName      = "wra_loss"
)

// Config carries the union of head options; each kind reads the fields it
// cares about. Zero values default via Normalized.
type Config struct {
	Kind Kind `mapstructure:"type"`

	HiddenSize int     `mapstructure:"hidden_size"`
	NumLabels  int     `mapstructure:"num_labels"` // mlp
	VocabSize  int     `mapstructure:"vocab_size"` // mlm
	ClsDim     int     `mapstructure:"cls_dim"`    // mrc
	ImgDim     int     `mapstructure:"img_dim"`    // mrfr
	Eps        float32 `mapstructure:"eps"`

	// IgnoreIndex marks label positions excluded from the mlm loss.
	IgnoreIndex int `mapstructure:"ignore_index"`

	// Batch field names for derived supervision targets.
	MRCLabelKey   string `mapstructure:"mrc_label_key"`
	MRCMaskKey    string `mapstructure:"mrc_mask_key"`
	MRFRTargetKey string `mapstructure:"mrfr_target_key"`
	MRFRMaskKey   string `mapstructure:"mrfr_mask_key"`
	TxtPadKey     string `mapstructure:"ot_txt_pad_key"`
	ImgPadKey     string `mapstructure:"ot_img_pad_key"`
	WRALabelKey   string `mapstructure:"wra_label_key"`
}

func (c Config) Normalized() Config {
	c.Kind = Kind(cmp.Or(string(c.Kind), string(MLP)))
	c.HiddenSize = cmp.Or(c.HiddenSize, 768)
	c.NumLabels = cmp.Or(c.NumLabels, 2)
	c.VocabSize = cmp.Or(c.VocabSize, 30522)
	c.ClsDim = cmp.Or(c.ClsDim, 1601)
	c.ImgDim = cmp.Or(c.ImgDim, 2048)
	c.Eps = cmp.Or(c.Eps, 1e-12)
	c.IgnoreIndex = cmp.Or(c.IgnoreIndex, -1)
	c.MRCLabelKey = cmp.Or(c.MRCLabelKey, "mrc_label_targets")
	c.MRCMaskKey = cmp.Or(c.MRCMaskKey, "mrc_mask")
	c.MRFRTargetKey = cmp.Or(c.MRFRTargetKey, "mrfr_target")
	c.MRFRMaskKey = cmp.Or(c.MRFRMaskKey, "mrfr_mask")
	c.TxtPadKey = cmp.Or(c.TxtPadKey, "ot_txt_pad")
	c.ImgPadKey = cmp.Or(c.ImgPadKey, "ot_img_pad")
	c.WRALabelKey = cmp.Or(c.WRALabelKey, "wra_label")
	return c
}

// Output is what a head produces: either bare logits for an external loss
// unit, or a losses mapping when the head supervises itself.
type Output struct {
	Losses map[string]ml.Tensor
	Scores ml.Tensor
}

// Head consumes the fused sequence output plus the batch and produces an
// Output.
type Head interface {
	Forward(ctx ml.Context, sequenceOutput ml.Tensor, batch *input.Batch) (*Output, error)
}

// tied carries an extra tensor a head shares with the trunk; only mrfr
// uses it (the transposed image projection weight).
type constructor func(ctx ml.Context, c Config, tied ml.Tensor) (Head, error)

var kinds = map[Kind]constructor{
	MLP:  newMLP,
	MLM:  newMaskedLM,
	ITM:  newITM,
	MRC:  newMRC,
	MRFR: newMRFR,
	WRA:  newWRA,
}

// New builds a head of the configured kind.
func New(ctx ml.Context, c Config, tied ml.Tensor) (Head, error) {
	c = c.Normalized()
	f, ok := kinds[c.Kind]
	if !ok {
		return nil, fmt.Errorf("heads: unsupported head type %q", c.Kind)
	}

	return f(ctx, c, tied)
}

// gatherRows selects rows of a (batch, seq, dim) tensor where the
// (batch, seq) mask is nonzero, flattening across batch and position.
// Returns nil when nothing is selected.
func gatherRows(ctx ml.Context, t, mask ml.Tensor) ml.Tensor {
	var idx []int32
	for i, v := range mask.Ints() {
		if v != 0 {
			idx = append(idx, int32(i))
		}
	}
	if len(idx) == 0 {
		return nil
	}

	flat := t.Reshape(ctx, t.Dim(0)*t.Dim(1), t.Dim(2))
	return flat.Rows(ctx, ctx.FromInts(idx, len(idx)))
}
