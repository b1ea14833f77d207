package nn

import "github.com/jmorganca/uniter/ml"

type Embedding struct {
	Weight ml.Tensor `weights:"weight"`
}

func NewEmbedding(ctx ml.Context, num, dim int) *Embedding {
	return &Embedding{Weight: ctx.Randn(0, 0.02, num, dim)}
}

func (m *Embedding) Forward(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	return m.Weight.Rows(ctx, ids)
}
