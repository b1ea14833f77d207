package heads

import (
	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/ml/nn"
	"github.com/jmorganca/uniter/model/input"
	"github.com/jmorganca/uniter/model/models/bert"
)

// mlp pools the fused sequence and classifies it. It returns bare scores;
// the wrapper applies the configured loss unit.
type mlp struct {
	Pooler     *bert.Pooler `weights:"pooler"`
	Classifier *nn.Linear   `weights:"classifier"`
}

func newMLP(ctx ml.Context, c Config, _ ml.Tensor) (Head, error) {
	return &mlp{
		Pooler:     bert.NewPooler(ctx, c.HiddenSize),
		Classifier: nn.NewLinear(ctx, c.HiddenSize, c.NumLabels),
	}, nil
}

func (h *mlp) Forward(ctx ml.Context, sequenceOutput ml.Tensor, batch *input.Batch) (*Output, error) {
	pooled := h.Pooler.Forward(ctx, sequenceOutput)
	return &Output{Scores: h.Classifier.Forward(ctx, pooled)}, nil
}
