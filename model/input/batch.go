// Package input holds the batch container threaded through every forward
// call. A batch is an ordered mapping from field name to tensor plus a few
// string-valued routing fields.
package input

import (
	"iter"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/jmorganca/uniter/ml"
)

// Canonical batch field names.
const (
	InputIDs        = "input_ids"
	InputIDsMasked  = "input_ids_masked"
	InputMask       = "input_mask"
	PositionIDs     = "position_ids"
	ImageFeat       = "image_feat"
	ImageFeatMasked = "image_feat_masked"
	ImagePosFeat    = "img_pos_feat"
	AttentionMask   = "attention_mask"
	ImageMask       = "image_mask"
	IsCorrect       = "is_correct"
	LMLabelIDs      = "lm_label_ids"
	ClsProb         = "cls_prob"
	Targets         = "targets"

	// ImageFeature0 is the raw detector output field the top-level model
	// copies into ImageFeat.
	ImageFeature0 = "image_feature_0"

	// Fields derived during pretraining preprocessing.
	MLMCombinedLabels = "mlm_combined_labels"
	ITMLabels         = "itm_labels"
)

// Batch is an ordered collection of named tensors for one step. Tensors
// agree on the batch size along dimension 0; the text and image
// sub-sequences of the fused sequence are concatenated along dimension 1
// with text first.
type Batch struct {
	fields *orderedmap.OrderedMap[string, ml.Tensor]

	// Task selects the pretraining objective for this batch.
	Task string

	// DatasetName routes classification batches to their head.
	DatasetName string
	DatasetType string

	// ImageInfo carries auxiliary per-region detector output, such as the
	// region classifier probabilities used as mrc targets.
	ImageInfo map[string]ml.Tensor
}

func NewBatch() *Batch {
	return &Batch{fields: orderedmap.New[string, ml.Tensor]()}
}

// Get returns the named tensor or nil if absent.
func (b *Batch) Get(name string) ml.Tensor {
	t, _ := b.fields.Get(name)
	return t
}

func (b *Batch) Has(name string) bool {
	_, ok := b.fields.Get(name)
	return ok
}

// Set stores a tensor under name, preserving first-insertion order, and
// returns the batch for chaining.
func (b *Batch) Set(name string, t ml.Tensor) *Batch {
	b.fields.Set(name, t)
	return b
}

func (b *Batch) Delete(name string) {
	b.fields.Delete(name)
}

func (b *Batch) Len() int {
	return b.fields.Len()
}

// Keys iterates field names in insertion order.
func (b *Batch) Keys() iter.Seq[string] {
	return func(yield func(string) bool) {
		for pair := b.fields.Oldest(); pair != nil; pair = pair.Next() {
			if !yield(pair.Key) {
				return
			}
		}
	}
}

// Clone returns a snapshot of the batch sharing tensors with the
// original. Preprocessing stages clone before editing so callers never
// observe their batch changing underneath them.
func (b *Batch) Clone() *Batch {
	out := NewBatch()
	for pair := b.fields.Oldest(); pair != nil; pair = pair.Next() {
		out.fields.Set(pair.Key, pair.Value)
	}

	out.Task = b.Task
	out.DatasetName = b.DatasetName
	out.DatasetType = b.DatasetType
	if b.ImageInfo != nil {
		out.ImageInfo = make(map[string]ml.Tensor, len(b.ImageInfo))
		for k, v := range b.ImageInfo {
			out.ImageInfo[k] = v
		}
	}

	return out
}
