package heads

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/ml/backend/cpu"
	"github.com/jmorganca/uniter/ml/nn"
	"github.com/jmorganca/uniter/model/input"
	"github.com/jmorganca/uniter/model/models/bert"
)

func newTestContext(t *testing.T) ml.Context {
	t.Helper()
	ctx := cpu.New().NewContext()
	t.Cleanup(ctx.Close)
	return ctx
}

// zeroLinear projects everything to zero, making head outputs exact.
func zeroLinear(ctx ml.Context, in, out int) *nn.Linear {
	return &nn.Linear{
		Weight: ctx.Zeros(ml.DTypeF32, in, out),
		Bias:   ctx.Zeros(ml.DTypeF32, out),
	}
}

func TestConfigNormalized(t *testing.T) {
	c := Config{}.Normalized()

	assert.Equal(t, MLP, c.Kind)
	assert.Equal(t, 768, c.HiddenSize)
	assert.Equal(t, 2, c.NumLabels)
	assert.Equal(t, 30522, c.VocabSize)
	assert.Equal(t, 1601, c.ClsDim)
	assert.Equal(t, 2048, c.ImgDim)
	assert.Equal(t, -1, c.IgnoreIndex)
	assert.Equal(t, "mrc_label_targets", c.MRCLabelKey)
	assert.Equal(t, "ot_txt_pad", c.TxtPadKey)
}

func TestNewUnknownKind(t *testing.T) {
	ctx := newTestContext(t)
	_, err := New(ctx, Config{Kind: "gqa"}, nil)
	assert.Error(t, err)
}

func TestMLPScores(t *testing.T) {
	ctx := newTestContext(t)

	h, err := New(ctx, Config{Kind: MLP, HiddenSize: 8, NumLabels: 4}, nil)
	require.NoError(t, err)

	out, err := h.Forward(ctx, ctx.Randn(0, 1, 2, 5, 8), input.NewBatch())
	require.NoError(t, err)
	assert.Nil(t, out.Losses)
	assert.Equal(t, []int{2, 4}, out.Scores.Shape())
}

func TestMaskedLM(t *testing.T) {
	ctx := newTestContext(t)
	cfg := Config{Kind: MLM, HiddenSize: 4, VocabSize: 6}.Normalized()

	h, err := New(ctx, cfg, nil)
	require.NoError(t, err)

	seq := ctx.Randn(0, 1, 2, 3, 4)

	_, err = h.Forward(ctx, seq, input.NewBatch())
	assert.Error(t, err)

	// every label ignored: zero loss, nothing decoded
	ignored := ctx.Full(-1, 2, 3).Cast(ctx, ml.DTypeI32)
	out, err := h.Forward(ctx, seq, input.NewBatch().Set(input.MLMCombinedLabels, ignored))
	require.NoError(t, err)
	assert.Equal(t, []float32{0}, out.Losses[MaskedLMLossName].Floats())
	assert.Nil(t, out.Scores)

	labels := ctx.FromInts([]int32{-1, 2, -1, 5, -1, -1}, 2, 3)
	out, err = h.Forward(ctx, seq, input.NewBatch().Set(input.MLMCombinedLabels, labels))
	require.NoError(t, err)
	require.Contains(t, out.Losses, MaskedLMLossName)
	assert.Greater(t, out.Losses[MaskedLMLossName].Floats()[0], float32(0))
	assert.Equal(t, []int{2, 6}, out.Scores.Shape())

	outOfRange := ctx.FromInts([]int32{9, -1, -1, -1, -1, -1}, 2, 3)
	_, err = h.Forward(ctx, seq, input.NewBatch().Set(input.MLMCombinedLabels, outOfRange))
	assert.Error(t, err)
}

func TestITM(t *testing.T) {
	ctx := newTestContext(t)

	h := &itm{
		Pooler: &bert.Pooler{Dense: zeroLinear(ctx, 4, 4)},
		Output: zeroLinear(ctx, 4, 2),
	}

	seq := ctx.Randn(0, 1, 3, 2, 4)
	batch := input.NewBatch().Set(input.ITMLabels, ctx.FromInts([]int32{1, 0, 1}, 3))

	out, err := h.Forward(ctx, seq, batch)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2), float64(out.Losses[ITMLossName].Floats()[0]), 1e-6)

	bad := input.NewBatch().Set(input.ITMLabels, ctx.FromInts([]int32{2}, 1))
	_, err = h.Forward(ctx, ctx.Randn(0, 1, 1, 2, 4), bad)
	assert.Error(t, err)
}

func TestMRCUniformKL(t *testing.T) {
	ctx := newTestContext(t)
	cfg := Config{Kind: MRC, HiddenSize: 4, ClsDim: 5}.Normalized()

	h := &mrc{
		Transform:     zeroLinear(ctx, 4, 4),
		TransformNorm: nn.NewLayerNorm(ctx, 4),
		Decoder:       zeroLinear(ctx, 4, 5),
		cfg:           cfg,
	}

	// one-hot targets against uniform predictions give KL of log(cls_dim)
	seq := ctx.Randn(0, 1, 1, 3, 4)
	batch := input.NewBatch().
		Set(cfg.MRCMaskKey, ctx.FromInts([]int32{0, 1, 1}, 1, 3)).
		Set(cfg.MRCLabelKey, ctx.FromFloats([]float32{1, 0, 0, 0, 0, 0, 1, 0, 0, 0}, 2, 5))

	out, err := h.Forward(ctx, seq, batch)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(5), float64(out.Losses[MRCLossName].Floats()[0]), 1e-5)

	empty := input.NewBatch().
		Set(cfg.MRCMaskKey, ctx.Zeros(ml.DTypeI32, 1, 3)).
		Set(cfg.MRCLabelKey, ctx.Zeros(ml.DTypeF32, 0, 5))
	_, err = h.Forward(ctx, seq, empty)
	assert.Error(t, err)
}

func TestMRFR(t *testing.T) {
	ctx := newTestContext(t)
	cfg := Config{Kind: MRFR, HiddenSize: 4, ImgDim: 6}.Normalized()

	_, err := New(ctx, cfg, nil)
	assert.Error(t, err)

	_, err = New(ctx, cfg, ctx.Zeros(ml.DTypeF32, 6, 4))
	assert.Error(t, err)

	h := &mrfr{
		Transform:     zeroLinear(ctx, 4, 4),
		TransformNorm: nn.NewLayerNorm(ctx, 4),
		decoderWeight: ctx.Zeros(ml.DTypeF32, 4, 6),
		DecoderBias:   ctx.Zeros(ml.DTypeF32, 6),
		cfg:           cfg,
	}

	seq := ctx.Randn(0, 1, 1, 2, 4)
	batch := input.NewBatch().
		Set(cfg.MRFRMaskKey, ctx.FromInts([]int32{1, 0}, 1, 2)).
		Set(cfg.MRFRTargetKey, ctx.Full(1, 1, 6))

	// zero predictions against all-ones targets give unit squared error
	out, err := h.Forward(ctx, seq, batch)
	require.NoError(t, err)
	assert.InDelta(t, 1, float64(out.Losses[MRFRLossName].Floats()[0]), 1e-6)
}

func TestMRFRTiedShape(t *testing.T) {
	ctx := newTestContext(t)

	h, err := New(ctx, Config{Kind: MRFR, HiddenSize: 4, ImgDim: 6}, ctx.Zeros(ml.DTypeF32, 4, 6))
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestWRA(t *testing.T) {
	ctx := newTestContext(t)
	cfg := Config{Kind: WRA, HiddenSize: 2}.Normalized()

	h, err := New(ctx, cfg, nil)
	require.NoError(t, err)

	// identical unit vectors transport at zero cost
	seq := ctx.FromFloats([]float32{
		1, 0,
		1, 0,
	}, 1, 2, 2)

	batch := input.NewBatch().
		Set(cfg.TxtPadKey, ctx.Zeros(ml.DTypeI32, 1, 1)).
		Set(cfg.ImgPadKey, ctx.Zeros(ml.DTypeI32, 1, 1)).
		Set(cfg.WRALabelKey, ctx.FromInts([]int32{1}, 1))

	out, err := h.Forward(ctx, seq, batch)
	require.NoError(t, err)
	assert.InDelta(t, 0, float64(out.Losses[WRALossName].Floats()[0]), 1e-6)

	// a mismatched pair contributes negatively
	mismatched := input.NewBatch().
		Set(cfg.TxtPadKey, ctx.Zeros(ml.DTypeI32, 1, 1)).
		Set(cfg.ImgPadKey, ctx.Zeros(ml.DTypeI32, 1, 1)).
		Set(cfg.WRALabelKey, ctx.FromInts([]int32{0}, 1))

	orthogonal := ctx.FromFloats([]float32{
		1, 0,
		0, 1,
	}, 1, 2, 2)

	out, err = h.Forward(ctx, orthogonal, mismatched)
	require.NoError(t, err)
	assert.Less(t, out.Losses[WRALossName].Floats()[0], float32(0))
}

func TestGatherRows(t *testing.T) {
	ctx := newTestContext(t)

	seq := ctx.FromFloats([]float32{
		1, 1,
		2, 2,
		3, 3,
		4, 4,
	}, 2, 2, 2)
	mask := ctx.FromInts([]int32{0, 1, 1, 0}, 2, 2)

	got := gatherRows(ctx, seq, mask)
	require.NotNil(t, got)
	assert.Equal(t, []int{2, 2}, got.Shape())
	assert.Equal(t, []float32{2, 2, 3, 3}, got.Floats())

	assert.Nil(t, gatherRows(ctx, seq, ctx.Zeros(ml.DTypeI32, 2, 2)))
}
