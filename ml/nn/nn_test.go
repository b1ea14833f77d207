package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/ml/backend/cpu"
)

func newTestContext(t *testing.T) ml.Context {
	t.Helper()
	ctx := cpu.New().NewContext()
	t.Cleanup(ctx.Close)
	return ctx
}

func TestLinear(t *testing.T) {
	ctx := newTestContext(t)

	m := &Linear{
		Weight: ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 3, 2),
		Bias:   ctx.FromFloats([]float32{1, -1}, 2),
	}

	got := m.Forward(ctx, ctx.FromFloats([]float32{1, 1, 1}, 1, 3))
	assert.Equal(t, []int{1, 2}, got.Shape())
	assert.Equal(t, []float32{10, 11}, got.Floats())

	m.Bias = nil
	got = m.Forward(ctx, ctx.FromFloats([]float32{1, 1, 1}, 1, 3))
	assert.Equal(t, []float32{9, 12}, got.Floats())
}

func TestLinearBatched(t *testing.T) {
	ctx := newTestContext(t)

	m := NewLinear(ctx, 4, 8)
	got := m.Forward(ctx, ctx.Randn(0, 1, 2, 5, 4))
	assert.Equal(t, []int{2, 5, 8}, got.Shape())
}

func TestEmbedding(t *testing.T) {
	ctx := newTestContext(t)

	m := &Embedding{Weight: ctx.FromFloats([]float32{0, 0, 10, 20, 30, 40}, 3, 2)}
	got := m.Forward(ctx, ctx.FromInts([]int32{2, 1, 1}, 1, 3))
	assert.Equal(t, []int{1, 3, 2}, got.Shape())
	assert.Equal(t, []float32{30, 40, 10, 20, 10, 20}, got.Floats())
}

func TestLayerNormDefaults(t *testing.T) {
	ctx := newTestContext(t)

	m := NewLayerNorm(ctx, 4)
	assert.Equal(t, []float32{1, 1, 1, 1}, m.Weight.Floats())
	assert.Equal(t, []float32{0, 0, 0, 0}, m.Bias.Floats())

	got := m.Forward(ctx, ctx.FromFloats([]float32{1, 2, 3, 4}, 1, 4), 1e-12)
	assert.Equal(t, []int{1, 4}, got.Shape())
}

func TestDropout(t *testing.T) {
	ctx := newTestContext(t)

	x := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 2)

	inference := &Dropout{P: 0.5}
	assert.Equal(t, x.Floats(), inference.Forward(ctx, x).Floats())

	training := &Dropout{P: 1, Training: true}
	assert.Equal(t, []float32{0, 0, 0, 0}, training.Forward(ctx, x).Floats())
}

func TestAttentionUniform(t *testing.T) {
	ctx := newTestContext(t)

	// identical keys attend uniformly, so the output is the mean value
	query := ctx.Randn(0, 1, 1, 1, 1, 2)
	key := ctx.Full(1, 1, 1, 3, 2)
	value := ctx.FromFloats([]float32{0, 0, 3, 3, 6, 6}, 1, 1, 3, 2)

	got := Attention(ctx, query, key, value, 1/math.Sqrt(2), nil)
	require.Equal(t, []int{1, 1, 1, 2}, got.Shape())
	assert.InDeltaSlice(t, []float32{3, 3}, got.Floats(), 1e-5)
}

func TestAttentionMask(t *testing.T) {
	ctx := newTestContext(t)

	query := ctx.Full(1, 1, 1, 1, 2)
	key := ctx.Full(1, 1, 1, 2, 2)
	value := ctx.FromFloats([]float32{1, 1, 9, 9}, 1, 1, 2, 2)

	// mask out the second key position
	mask := ctx.FromFloats([]float32{0, -10000}, 1, 1, 1, 2)
	got := Attention(ctx, query, key, value, 1, mask)
	assert.InDeltaSlice(t, []float32{1, 1}, got.Floats(), 1e-3)
}

func TestAttentionShapeChecks(t *testing.T) {
	ctx := newTestContext(t)

	assert.Panics(t, func() {
		Attention(ctx, ctx.Randn(0, 1, 1, 1, 2, 4), ctx.Randn(0, 1, 1, 1, 2, 8), ctx.Randn(0, 1, 1, 1, 2, 4), 1, nil)
	})
	assert.Panics(t, func() {
		Attention(ctx, ctx.Randn(0, 1, 1, 1, 2, 4), ctx.Randn(0, 1, 1, 1, 3, 4), ctx.Randn(0, 1, 1, 1, 2, 4), 1, nil)
	})
}
