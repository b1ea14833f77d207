package nn

import "github.com/jmorganca/uniter/ml"

type Linear struct {
	Weight ml.Tensor `weights:"weight"`
	Bias   ml.Tensor `weights:"bias"`
}

// NewLinear returns a linear layer with weight shape (in, out), randomly
// initialized the way BERT initializes dense layers.
func NewLinear(ctx ml.Context, in, out int) *Linear {
	return &Linear{
		Weight: ctx.Randn(0, 0.02, in, out),
		Bias:   ctx.Zeros(ml.DTypeF32, out),
	}
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.Matmul(ctx, m.Weight)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
