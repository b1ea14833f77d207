package nn

import "github.com/jmorganca/uniter/ml"

type LayerNorm struct {
	Weight ml.Tensor `weights:"weight"`
	Bias   ml.Tensor `weights:"bias"`
}

func NewLayerNorm(ctx ml.Context, dim int) *LayerNorm {
	return &LayerNorm{
		Weight: ctx.Full(1, dim),
		Bias:   ctx.Zeros(ml.DTypeF32, dim),
	}
}

func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, m.Weight, m.Bias, eps)
}
