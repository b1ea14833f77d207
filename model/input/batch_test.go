package input

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jmorganca/uniter/ml/backend/cpu"
)

func TestBatchFields(t *testing.T) {
	ctx := cpu.New().NewContext()
	defer ctx.Close()

	b := NewBatch()
	assert.Nil(t, b.Get(InputIDs))
	assert.False(t, b.Has(InputIDs))

	ids := ctx.FromInts([]int32{1, 2}, 1, 2)
	b.Set(InputIDs, ids).Set(AttentionMask, ctx.FromInts([]int32{1, 1}, 1, 2))

	assert.True(t, b.Has(InputIDs))
	assert.Equal(t, ids, b.Get(InputIDs))
	assert.Equal(t, 2, b.Len())

	b.Delete(AttentionMask)
	assert.False(t, b.Has(AttentionMask))
}

func TestBatchKeysInsertionOrder(t *testing.T) {
	ctx := cpu.New().NewContext()
	defer ctx.Close()

	one := ctx.FromInts([]int32{1}, 1)

	b := NewBatch()
	b.Set(ImageFeat, one).Set(InputIDs, one).Set(IsCorrect, one)

	// re-setting an existing field must not move it
	b.Set(ImageFeat, one)

	got := slices.Collect(b.Keys())
	assert.Equal(t, []string{ImageFeat, InputIDs, IsCorrect}, got)
}

func TestBatchClone(t *testing.T) {
	ctx := cpu.New().NewContext()
	defer ctx.Close()

	one := ctx.FromInts([]int32{1}, 1)
	two := ctx.FromInts([]int32{2}, 1)

	b := NewBatch().Set(InputIDs, one)
	b.Task = "mlm"
	b.DatasetName = "vqa2"

	c := b.Clone()
	c.Set(InputIDs, two)
	c.Set(ImageMask, two)
	c.Task = "itm"

	assert.Equal(t, one, b.Get(InputIDs))
	assert.False(t, b.Has(ImageMask))
	assert.Equal(t, "mlm", b.Task)
	assert.Equal(t, "vqa2", c.DatasetName)
}
