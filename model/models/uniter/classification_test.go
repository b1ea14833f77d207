package uniter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/uniter/fs"
	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/model/heads"
	"github.com/jmorganca/uniter/model/input"
	"github.com/jmorganca/uniter/model/losses"
)

const testNumLabels = 4

func testClassificationConfig(t *testing.T) ClassificationConfig {
	return ClassificationConfig{
		Config: testModelConfig(t),
		Heads: map[string]heads.Config{
			"test": {Kind: heads.MLP, HiddenSize: testHidden, NumLabels: testNumLabels},
		},
		Losses: map[string]losses.Kind{"test": losses.LogitBCE},
		Tasks:  []string{"test"},
	}
}

func classificationBatch(ctx ml.Context) *input.Batch {
	b := input.NewBatch()
	b.DatasetName = "test"
	b.DatasetType = "classification"

	b.Set(input.InputIDs, ctx.Zeros(ml.DTypeI32, testBatchSize, testTextLen)).
		Set(input.PositionIDs, ctx.Arange(0, testTextLen, 1, ml.DTypeI32).Reshape(ctx, 1, testTextLen)).
		Set(input.ImageFeat, ctx.Randn(0, 1, testBatchSize, testRegions, testImgDim)).
		Set(input.ImagePosFeat, ctx.Rand(testBatchSize, testRegions, 7)).
		Set(input.AttentionMask, ctx.Full(1, testBatchSize, testTextLen+testRegions).Cast(ctx, ml.DTypeI32)).
		Set(input.Targets, ctx.Rand(testBatchSize, testNumLabels))

	return b
}

func TestClassificationForward(t *testing.T) {
	ctx := newTestContext(t)

	m, err := NewForClassification(ctx, testClassificationConfig(t))
	require.NoError(t, err)

	out, err := m.Forward(ctx, classificationBatch(ctx))
	require.NoError(t, err)

	require.Contains(t, out.Losses, "test/test/logit_bce")
	loss := out.Losses["test/test/logit_bce"]
	assert.Equal(t, []int{1}, loss.Shape())
	assert.False(t, loss.Floats()[0] != loss.Floats()[0], "loss is NaN")

	assert.Equal(t, []int{testBatchSize, testNumLabels}, out.Scores.Shape())
}

func TestClassificationUnknownDataset(t *testing.T) {
	ctx := newTestContext(t)

	m, err := NewForClassification(ctx, testClassificationConfig(t))
	require.NoError(t, err)

	b := classificationBatch(ctx)
	b.DatasetName = "vqa2"
	_, err = m.Forward(ctx, b)
	assert.Error(t, err)
}

func TestClassificationMissingField(t *testing.T) {
	ctx := newTestContext(t)

	m, err := NewForClassification(ctx, testClassificationConfig(t))
	require.NoError(t, err)

	b := classificationBatch(ctx)
	b.Delete(input.ImagePosFeat)
	_, err = m.Forward(ctx, b)
	assert.Error(t, err)
}

func TestClassificationMissingHeadConfig(t *testing.T) {
	ctx := newTestContext(t)

	c := testClassificationConfig(t)
	c.Tasks = []string{"test", "vqa2"}
	_, err := NewForClassification(ctx, c)
	assert.Error(t, err)
}

func TestClassificationMissingLoss(t *testing.T) {
	ctx := newTestContext(t)

	c := testClassificationConfig(t)
	c.Losses = nil

	// construction warns but succeeds; forward fails since the mlp head
	// does not compute its own loss
	m, err := NewForClassification(ctx, c)
	require.NoError(t, err)

	_, err = m.Forward(ctx, classificationBatch(ctx))
	assert.Error(t, err)
}

func TestUniterFromFS(t *testing.T) {
	ctx := newTestContext(t)

	cfg := fs.Map{
		"hidden_size": testHidden,
		"random_init": true,
		"text_embeddings": map[string]any{
			"vocab_size":              testVocab,
			"hidden_size":             testHidden,
			"max_position_embeddings": 40,
		},
		"image_embeddings": map[string]any{
			"img_dim":     testImgDim,
			"hidden_size": testHidden,
		},
		"encoder": map[string]any{
			"vocab_size":              testVocab,
			"hidden_size":             testHidden,
			"num_hidden_layers":       1,
			"num_attention_heads":     2,
			"intermediate_size":       64,
			"max_position_embeddings": 40,
		},
		"heads": map[string]any{
			"test": map[string]any{
				"type":        "mlp",
				"hidden_size": testHidden,
				"num_labels":  testNumLabels,
			},
		},
		"losses": map[string]any{"test": "logit_bce"},
		"tasks":  "test",
	}

	m, err := newFromFS(ctx, cfg)
	require.NoError(t, err)

	b := classificationBatch(ctx)
	out, err := m.Forward(ctx, b)
	require.NoError(t, err)
	assert.Contains(t, out.Losses, "test/test/logit_bce")
}

func TestNormalizeBatch(t *testing.T) {
	ctx := newTestContext(t)

	b := input.NewBatch()
	b.Set(input.InputIDs, ctx.Zeros(ml.DTypeI32, 1, 4)).
		Set(input.InputMask, ctx.Full(1, 1, 4).Cast(ctx, ml.DTypeI32)).
		Set(input.ImageMask, ctx.Full(1, 1, 2).Cast(ctx, ml.DTypeI32)).
		Set(input.ImageFeature0, ctx.Randn(0, 1, 1, 2, testImgDim))
	b.ImageInfo = map[string]ml.Tensor{
		"bbox":         ctx.FromFloats([]float32{0, 0, 50, 100, 25, 50, 100, 200}, 1, 2, 4),
		"image_width":  ctx.FromFloats([]float32{100}, 1),
		"image_height": ctx.FromFloats([]float32{200}, 1),
	}

	got, err := normalizeBatch(ctx, b)
	require.NoError(t, err)

	assert.Equal(t, []int32{0, 1, 2, 3}, got.Get(input.PositionIDs).Ints())
	assert.Equal(t, []int{1, 6}, got.Get(input.AttentionMask).Shape())
	assert.NotNil(t, got.Get(input.ImageFeat))

	pos := got.Get(input.ImagePosFeat)
	require.Equal(t, []int{1, 2, 7}, pos.Shape())
	// first box: (0,0)-(50,100) in a 100x200 image
	assert.InDeltaSlice(t, []float32{0, 0, 0.5, 0.5, 0.5, 0.5, 0.25}, pos.Floats()[:7], 1e-6)

	// the caller's batch is untouched
	assert.False(t, b.Has(input.PositionIDs))
	assert.False(t, b.Has(input.AttentionMask))
}

func TestNormalizeBatchMissingInputs(t *testing.T) {
	ctx := newTestContext(t)

	b := input.NewBatch()
	b.Set(input.ImageFeat, ctx.Randn(0, 1, 1, 2, testImgDim)).
		Set(input.ImagePosFeat, ctx.Rand(1, 2, 7))

	_, err := normalizeBatch(ctx, b)
	assert.Error(t, err)
}
