package heads

import (
	"fmt"

	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/ml/nn"
	"github.com/jmorganca/uniter/model/input"
	"github.com/jmorganca/uniter/model/models/bert"
)

// itm predicts whether each caption matches its paired image from the
// pooled sequence.
type itm struct {
	Pooler *bert.Pooler `weights:"pooler"`
	Output *nn.Linear   `weights:"seq_relationship"`
}

func newITM(ctx ml.Context, c Config, _ ml.Tensor) (Head, error) {
	return &itm{
		Pooler: bert.NewPooler(ctx, c.HiddenSize),
		Output: nn.NewLinear(ctx, c.HiddenSize, 2),
	}, nil
}

func (h *itm) Forward(ctx ml.Context, sequenceOutput ml.Tensor, batch *input.Batch) (*Output, error) {
	labels := batch.Get(input.ITMLabels)
	if labels == nil {
		return nil, fmt.Errorf("heads: itm requires %q in the batch", input.ITMLabels)
	}

	pooled := h.Pooler.Forward(ctx, sequenceOutput)
	logits := h.Output.Forward(ctx, pooled)

	logProbs := logits.LogSoftmax(ctx).Floats()
	idx := labels.Ints()

	var sum float64
	for i, target := range idx {
		if target < 0 || target > 1 {
			return nil, fmt.Errorf("heads: itm label %d is not binary", target)
		}
		sum += -float64(logProbs[i*2+int(target)])
	}

	loss := float32(sum / float64(len(idx)))
	return &Output{
		Losses: map[string]ml.Tensor{ITMLossName: ml.Scalar(ctx, loss)},
		Scores: logits,
	}, nil
}
