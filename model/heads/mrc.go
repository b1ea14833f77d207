package heads

import (
	"fmt"
	"math"

	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/ml/nn"
	"github.com/jmorganca/uniter/model/input"
)

// mrc reconstructs the detector's class distribution for masked regions.
// The loss is KL divergence between the predicted distribution and the
// detector's soft labels.
type mrc struct {
	Transform     *nn.Linear    `weights:"region_classifier.dense"`
	TransformNorm *nn.LayerNorm `weights:"region_classifier.LayerNorm"`
	Decoder       *nn.Linear    `weights:"region_classifier.decoder"`

	cfg Config
}

func newMRC(ctx ml.Context, c Config, _ ml.Tensor) (Head, error) {
	return &mrc{
		Transform:     nn.NewLinear(ctx, c.HiddenSize, c.HiddenSize),
		TransformNorm: nn.NewLayerNorm(ctx, c.HiddenSize),
		Decoder:       nn.NewLinear(ctx, c.HiddenSize, c.ClsDim),
		cfg:           c,
	}, nil
}

func (h *mrc) Forward(ctx ml.Context, sequenceOutput ml.Tensor, batch *input.Batch) (*Output, error) {
	mask := batch.Get(h.cfg.MRCMaskKey)
	targets := batch.Get(h.cfg.MRCLabelKey)
	if mask == nil || targets == nil {
		return nil, fmt.Errorf("heads: mrc requires %q and %q in the batch", h.cfg.MRCMaskKey, h.cfg.MRCLabelKey)
	}

	hiddenStates := gatherRows(ctx, sequenceOutput, mask)
	if hiddenStates == nil {
		return nil, fmt.Errorf("heads: mrc mask selects no positions")
	}

	hiddenStates = h.Transform.Forward(ctx, hiddenStates).GELU(ctx)
	hiddenStates = h.TransformNorm.Forward(ctx, hiddenStates, h.cfg.Eps)
	logits := h.Decoder.Forward(ctx, hiddenStates)

	if logits.Dim(0) != targets.Dim(0) {
		return nil, fmt.Errorf("heads: mrc has %d masked positions but %d targets", logits.Dim(0), targets.Dim(0))
	}

	logProbs := logits.LogSoftmax(ctx).Floats()
	t := targets.Floats()
	rows := logits.Dim(0)

	var sum float64
	for i, ti := range t {
		if ti > 0 {
			sum += float64(ti) * (math.Log(float64(ti)) - float64(logProbs[i]))
		}
	}

	loss := float32(sum / float64(rows))
	return &Output{
		Losses: map[string]ml.Tensor{MRCLossName: ml.Scalar(ctx, loss)},
		Scores: logits,
	}, nil
}
