package heads

import (
	"fmt"
	"math"

	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/ml/nn"
	"github.com/jmorganca/uniter/model/input"
)

// maskedLM scores every position against the vocabulary and supervises
// the positions whose combined label is not the ignore index.
type maskedLM struct {
	Transform     *nn.Linear    `weights:"transform.dense"`
	TransformNorm *nn.LayerNorm `weights:"transform.LayerNorm"`
	Decoder       *nn.Linear    `weights:"decoder"`

	cfg Config
}

func newMaskedLM(ctx ml.Context, c Config, _ ml.Tensor) (Head, error) {
	return &maskedLM{
		Transform:     nn.NewLinear(ctx, c.HiddenSize, c.HiddenSize),
		TransformNorm: nn.NewLayerNorm(ctx, c.HiddenSize),
		Decoder:       nn.NewLinear(ctx, c.HiddenSize, c.VocabSize),
		cfg:           c,
	}, nil
}

func (h *maskedLM) Forward(ctx ml.Context, sequenceOutput ml.Tensor, batch *input.Batch) (*Output, error) {
	labels := batch.Get(input.MLMCombinedLabels)
	if labels == nil {
		return nil, fmt.Errorf("heads: mlm requires %q in the batch", input.MLMCombinedLabels)
	}

	// Only feed the supervised positions through the vocabulary decoder.
	var idx []int32
	targets := make([]int32, 0, len(labels.Ints()))
	for i, v := range labels.Ints() {
		if v != int32(h.cfg.IgnoreIndex) {
			idx = append(idx, int32(i))
			targets = append(targets, v)
		}
	}
	if len(idx) == 0 {
		return &Output{Losses: map[string]ml.Tensor{MaskedLMLossName: ml.Scalar(ctx, 0)}}, nil
	}

	flat := sequenceOutput.Reshape(ctx, sequenceOutput.Dim(0)*sequenceOutput.Dim(1), sequenceOutput.Dim(2))
	hiddenStates := flat.Rows(ctx, ctx.FromInts(idx, len(idx)))

	hiddenStates = h.Transform.Forward(ctx, hiddenStates).GELU(ctx)
	hiddenStates = h.TransformNorm.Forward(ctx, hiddenStates, h.cfg.Eps)
	logits := h.Decoder.Forward(ctx, hiddenStates)

	logProbs := logits.LogSoftmax(ctx).Floats()
	vocab := logits.Dim(1)

	var sum float64
	for i, target := range targets {
		if target < 0 || int(target) >= vocab {
			return nil, fmt.Errorf("heads: mlm label %d out of range [0, %d)", target, vocab)
		}
		sum += -float64(logProbs[i*vocab+int(target)])
	}

	loss := float32(sum / float64(len(targets)))
	if math.IsNaN(float64(loss)) {
		return nil, fmt.Errorf("heads: %s diverged to NaN", MaskedLMLossName)
	}

	return &Output{
		Losses: map[string]ml.Tensor{MaskedLMLossName: ml.Scalar(ctx, loss)},
		Scores: logits,
	}, nil
}
