package heads

import (
	"fmt"

	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/ml/nn"
	"github.com/jmorganca/uniter/model/input"
)

// mrfr regresses the raw detector features of masked regions. The output
// projection reuses the transposed weight of the trunk's image projection
// so reconstruction and embedding share parameters.
type mrfr struct {
	Transform     *nn.Linear    `weights:"feat_regress.dense"`
	TransformNorm *nn.LayerNorm `weights:"feat_regress.LayerNorm"`

	decoderWeight ml.Tensor
	DecoderBias   ml.Tensor `weights:"feat_regress.bias"`

	cfg Config
}

func newMRFR(ctx ml.Context, c Config, tied ml.Tensor) (Head, error) {
	if tied == nil {
		return nil, fmt.Errorf("heads: mrfr requires the transposed image projection weight")
	}
	if tied.Dim(0) != c.HiddenSize || tied.Dim(1) != c.ImgDim {
		return nil, fmt.Errorf("heads: mrfr tied weight has shape %v, want (%d, %d)", tied.Shape(), c.HiddenSize, c.ImgDim)
	}

	return &mrfr{
		Transform:     nn.NewLinear(ctx, c.HiddenSize, c.HiddenSize),
		TransformNorm: nn.NewLayerNorm(ctx, c.HiddenSize),
		decoderWeight: tied,
		DecoderBias:   ctx.Zeros(ml.DTypeF32, c.ImgDim),
		cfg:           c,
	}, nil
}

func (h *mrfr) Forward(ctx ml.Context, sequenceOutput ml.Tensor, batch *input.Batch) (*Output, error) {
	mask := batch.Get(h.cfg.MRFRMaskKey)
	targets := batch.Get(h.cfg.MRFRTargetKey)
	if mask == nil || targets == nil {
		return nil, fmt.Errorf("heads: mrfr requires %q and %q in the batch", h.cfg.MRFRMaskKey, h.cfg.MRFRTargetKey)
	}

	hiddenStates := gatherRows(ctx, sequenceOutput, mask)
	if hiddenStates == nil {
		return nil, fmt.Errorf("heads: mrfr mask selects no positions")
	}

	hiddenStates = h.Transform.Forward(ctx, hiddenStates).GELU(ctx)
	hiddenStates = h.TransformNorm.Forward(ctx, hiddenStates, h.cfg.Eps)
	predicted := hiddenStates.Matmul(ctx, h.decoderWeight).Add(ctx, h.DecoderBias)

	p, t := predicted.Floats(), targets.Floats()
	if len(p) != len(t) {
		return nil, fmt.Errorf("heads: mrfr predicted %d values but has %d targets", len(p), len(t))
	}

	var sum float64
	for i := range p {
		d := float64(p[i] - t[i])
		sum += d * d
	}

	loss := float32(sum / float64(len(p)))
	return &Output{
		Losses: map[string]ml.Tensor{MRFRLossName: ml.Scalar(ctx, loss)},
		Scores: predicted,
	}, nil
}
