package uniter

import (
	"cmp"
	"errors"
	"fmt"
	"math/rand"

	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/model"
	"github.com/jmorganca/uniter/model/heads"
	"github.com/jmorganca/uniter/model/input"
	"github.com/jmorganca/uniter/model/losses"
)

// The five pretraining objectives. Each batch names one as its task.
const (
	TaskMLM  = "mlm"
	TaskITM  = "itm"
	TaskMRC  = "mrc"
	TaskMRFR = "mrfr"
	TaskWRA  = "wra"
)

var pretrainingTasks = map[string]bool{
	TaskMLM:  true,
	TaskITM:  true,
	TaskMRC:  true,
	TaskMRFR: true,
	TaskWRA:  true,
}

// ForPretraining multiplexes the five pretraining objectives over the
// shared joint encoder. Batches are preprocessed per task before
// encoding; preprocessing never mutates the caller's batch.
type ForPretraining struct {
	Uniter *Model `weights:"uniter"`

	heads       map[string]heads.Head
	headConfigs map[string]heads.Config
	losses      map[string]*losses.Loss
	tasks       []string

	maskProbability float32
	rng             *rand.Rand
}

func NewForPretraining(ctx ml.Context, c PretrainingConfig) (*ForPretraining, error) {
	base, err := New(ctx, c.Config)
	if err != nil {
		return nil, err
	}

	tasks := c.Tasks
	if len(tasks) == 0 {
		tasks = []string{TaskMLM, TaskITM, TaskMRC, TaskMRFR, TaskWRA}
	}

	m := &ForPretraining{
		Uniter:          base,
		heads:           make(map[string]heads.Head, len(tasks)),
		headConfigs:     make(map[string]heads.Config, len(tasks)),
		losses:          make(map[string]*losses.Loss),
		tasks:           tasks,
		maskProbability: c.MaskProbability,
		rng:             rand.New(rand.NewSource(rand.Int63())),
	}

	for _, task := range tasks {
		if !pretrainingTasks[task] {
			return nil, fmt.Errorf("uniter: unknown pretraining task %q", task)
		}

		hc, ok := c.Heads[task]
		if !ok {
			return nil, fmt.Errorf("uniter: no head configured for task %q", task)
		}
		hc.Kind = heads.Kind(cmp.Or(string(hc.Kind), task))

		// The feature regression decoder shares the transposed image
		// projection weight with the trunk.
		var tied ml.Tensor
		if hc.Kind == heads.MRFR {
			tied = base.ImgEmbeddings.ImgLinear.Weight.Permute(ctx, 1, 0)
		}

		h, err := heads.New(ctx, hc, tied)
		if err != nil {
			return nil, err
		}
		m.heads[task] = h
		m.headConfigs[task] = hc.Normalized()

		if kind, ok := c.Losses[task]; ok {
			l, err := losses.New(kind)
			if err != nil {
				return nil, err
			}
			m.losses[task] = l
		}
	}

	return m, nil
}

func (m *ForPretraining) Forward(ctx ml.Context, batch *input.Batch) (*model.Output, error) {
	if !batch.Has(input.IsCorrect) {
		return nil, errors.New(`uniter pretraining requires mismatched captions. Please add "false_caption": true under the dataset configuration`)
	}

	task := batch.Task
	head, ok := m.heads[task]
	if !ok {
		return nil, fmt.Errorf("uniter: no head configured for task %q", task)
	}

	b, err := m.preprocess(ctx, batch)
	if err != nil {
		return nil, err
	}

	sequenceOutput, err := m.Uniter.encodeBatch(ctx, b)
	if err != nil {
		return nil, err
	}

	out, err := head.Forward(ctx, sequenceOutput, b)
	if err != nil {
		return nil, err
	}

	return processHeadOutput(ctx, b, out, m.losses[task], b.DatasetName, task)
}

// preprocess derives the task's supervision fields on a clone of the
// batch. mrc and mrfr mask a sample of regions first; every task except
// itm and wra then drops examples with mismatched captions.
func (m *ForPretraining) preprocess(ctx ml.Context, batch *input.Batch) (*input.Batch, error) {
	b := batch

	switch b.Task {
	case TaskMRC, TaskMRFR:
		var err error
		if b, err = m.maskImageFeatures(ctx, b); err != nil {
			return nil, err
		}
		if !b.Has(input.ClsProb) {
			if t, ok := b.ImageInfo["cls_prob"]; ok {
				b.Set(input.ClsProb, t)
			}
		}
	}

	// itm and wra supervise on the match/mismatch signal itself, so they
	// keep mismatched pairs.
	switch b.Task {
	case TaskITM, TaskWRA:
	default:
		var err error
		if b, err = removeMismatchedCaptions(ctx, b); err != nil {
			return nil, err
		}
	}

	switch b.Task {
	case TaskMLM:
		return m.preprocessMLM(ctx, b)
	case TaskITM:
		return preprocessITM(b)
	case TaskMRC:
		return m.preprocessMRC(ctx, b)
	case TaskMRFR:
		return m.preprocessMRFR(ctx, b)
	case TaskWRA:
		return m.preprocessWRA(ctx, b)
	default:
		return nil, fmt.Errorf("uniter: unknown pretraining task %q", b.Task)
	}
}

// maskImageFeatures draws a Bernoulli region mask per example, forcing at
// least one masked region, and stores the zeroed features alongside the
// mask.
func (m *ForPretraining) maskImageFeatures(ctx ml.Context, batch *input.Batch) (*input.Batch, error) {
	feat := batch.Get(input.ImageFeat)
	if feat == nil {
		return nil, fmt.Errorf("uniter: batch is missing %q", input.ImageFeat)
	}

	batchSize, regions, dim := feat.Dim(0), feat.Dim(1), feat.Dim(2)
	masks := make([]int32, batchSize*regions)
	for i := 0; i < batchSize; i++ {
		row := masks[i*regions : (i+1)*regions]
		var masked bool
		for j := range row {
			if m.rng.Float32() < m.maskProbability {
				row[j] = 1
				masked = true
			}
		}
		if !masked {
			row[m.rng.Intn(regions)] = 1
		}
	}

	masked := feat.Floats()
	for i, flag := range masks {
		if flag != 0 {
			for k := i * dim; k < (i+1)*dim; k++ {
				masked[k] = 0
			}
		}
	}

	out := batch.Clone()
	out.Set(input.ImageFeatMasked, ctx.FromFloats(masked, batchSize, regions, dim))
	out.Set(input.ImageMask, ctx.FromInts(masks, batchSize, regions))
	return out, nil
}

// mismatchedFilterFields is the closed set of fields filtered when
// mismatched captions are dropped. A field of any other name keeps its
// full batch dimension and will disagree with the filtered ones.
var mismatchedFilterFields = []string{
	input.InputIDs,
	input.InputMask,
	input.ImageFeat,
	input.ImagePosFeat,
	input.AttentionMask,
	input.ImageMask,
	input.ImageFeatMasked,
	input.LMLabelIDs,
	input.ClsProb,
}

// removeMismatchedCaptions keeps only examples whose caption matches the
// image. When no example matches, the whole batch is kept unchanged.
func removeMismatchedCaptions(ctx ml.Context, batch *input.Batch) (*input.Batch, error) {
	isCorrect := batch.Get(input.IsCorrect)
	batchSize := isCorrect.Dim(0)

	var keep []int
	for i, v := range isCorrect.Ints() {
		if v != 0 {
			keep = append(keep, i)
		}
	}
	if len(keep) == 0 {
		for i := 0; i < batchSize; i++ {
			keep = append(keep, i)
		}
	}

	out := batch.Clone()
	for _, name := range mismatchedFilterFields {
		t := batch.Get(name)
		if t == nil {
			continue
		}
		if t.Dim(0) != batchSize {
			return nil, fmt.Errorf("uniter: field %q has batch dimension %d, want %d", name, t.Dim(0), batchSize)
		}

		out.Set(name, filterDim0(ctx, t, keep))
	}

	return out, nil
}

// filterDim0 keeps the listed indices along the batch dimension,
// preserving dtype.
func filterDim0(ctx ml.Context, t ml.Tensor, keep []int) ml.Tensor {
	shape := t.Shape()
	stride := 1
	for _, d := range shape[1:] {
		stride *= d
	}

	outShape := append([]int{len(keep)}, shape[1:]...)
	if t.DType() == ml.DTypeI32 {
		src := t.Ints()
		dst := make([]int32, 0, len(keep)*stride)
		for _, i := range keep {
			dst = append(dst, src[i*stride:(i+1)*stride]...)
		}
		return ctx.FromInts(dst, outShape...)
	}

	src := t.Floats()
	dst := make([]float32, 0, len(keep)*stride)
	for _, i := range keep {
		dst = append(dst, src[i*stride:(i+1)*stride]...)
	}
	return ctx.FromFloats(dst, outShape...)
}

// preprocessMLM swaps in the masked token ids and pads the text labels
// with ignored positions over the image regions.
func (m *ForPretraining) preprocessMLM(ctx ml.Context, batch *input.Batch) (*input.Batch, error) {
	for _, name := range []string{input.LMLabelIDs, input.InputIDsMasked} {
		if !batch.Has(name) {
			return nil, fmt.Errorf("uniter: mlm batch is missing %q", name)
		}
	}

	textLabels := batch.Get(input.LMLabelIDs)
	feat := batch.Get(input.ImageFeat)
	ignore := m.headConfigs[TaskMLM].IgnoreIndex

	imageLabels := ctx.Full(float32(ignore), feat.Dim(0), feat.Dim(1)).Cast(ctx, ml.DTypeI32)
	combined := textLabels.Concat(ctx, imageLabels, 1)

	out := batch.Clone()
	out.Set(input.MLMCombinedLabels, combined)
	out.Set(input.InputIDs, batch.Get(input.InputIDsMasked))
	return out, nil
}

func preprocessITM(batch *input.Batch) (*input.Batch, error) {
	out := batch.Clone()
	out.Set(input.ITMLabels, batch.Get(input.IsCorrect))
	return out, nil
}

// preprocessMRC gathers the detector class probabilities of every masked
// region as soft targets and swaps in the masked features.
func (m *ForPretraining) preprocessMRC(ctx ml.Context, batch *input.Batch) (*input.Batch, error) {
	for _, name := range []string{input.ClsProb, input.ImageMask, input.ImageFeatMasked} {
		if !batch.Has(name) {
			return nil, fmt.Errorf("uniter: mrc batch is missing %q", name)
		}
	}

	cfg := m.headConfigs[TaskMRC]
	imageMask := batch.Get(input.ImageMask)
	clsProb := batch.Get(input.ClsProb)

	targets := gatherMaskedRows(ctx, clsProb, imageMask)
	if targets == nil {
		return nil, errors.New("uniter: mrc batch has no masked regions")
	}

	out := batch.Clone()
	out.Set(cfg.MRCLabelKey, targets)
	out.Set(cfg.MRCMaskKey, sequenceMask(ctx, batch.Get(input.InputIDs).Dim(1), imageMask))
	out.Set(input.ImageFeat, batch.Get(input.ImageFeatMasked))
	return out, nil
}

// preprocessMRFR records the original features of every masked region as
// regression targets and swaps in the masked features.
func (m *ForPretraining) preprocessMRFR(ctx ml.Context, batch *input.Batch) (*input.Batch, error) {
	for _, name := range []string{input.ImageMask, input.ImageFeatMasked} {
		if !batch.Has(name) {
			return nil, fmt.Errorf("uniter: mrfr batch is missing %q", name)
		}
	}

	cfg := m.headConfigs[TaskMRFR]
	imageMask := batch.Get(input.ImageMask)

	targets := gatherMaskedRows(ctx, batch.Get(input.ImageFeat), imageMask)
	if targets == nil {
		return nil, errors.New("uniter: mrfr batch has no masked regions")
	}

	out := batch.Clone()
	out.Set(cfg.MRFRTargetKey, targets)
	out.Set(cfg.MRFRMaskKey, sequenceMask(ctx, batch.Get(input.InputIDs).Dim(1), imageMask))
	out.Set(input.ImageFeat, batch.Get(input.ImageFeatMasked))
	return out, nil
}

// preprocessWRA attaches padding flags for both modalities and the
// alignment labels.
func (m *ForPretraining) preprocessWRA(ctx ml.Context, batch *input.Batch) (*input.Batch, error) {
	cfg := m.headConfigs[TaskWRA]
	inputIDs := batch.Get(input.InputIDs)
	feat := batch.Get(input.ImageFeat)
	batchSize := inputIDs.Dim(0)

	txtLens := make([]int, batchSize)
	numBBs := make([]int, batchSize)
	for i := range txtLens {
		txtLens[i] = inputIDs.Dim(1)
		numBBs[i] = feat.Dim(1)
	}

	out := batch.Clone()
	out.Set(cfg.TxtPadKey, computePad(ctx, txtLens))
	out.Set(cfg.ImgPadKey, computePad(ctx, numBBs))
	out.Set(cfg.WRALabelKey, batch.Get(input.IsCorrect))
	return out, nil
}

// computePad flags positions beyond each example's length, right-padded
// to the longest.
func computePad(ctx ml.Context, lens []int) ml.Tensor {
	maxLen := 0
	for _, l := range lens {
		maxLen = max(maxLen, l)
	}

	pad := make([]int32, len(lens)*maxLen)
	for i, l := range lens {
		for j := l; j < maxLen; j++ {
			pad[i*maxLen+j] = 1
		}
	}

	return ctx.FromInts(pad, len(lens), maxLen)
}

// gatherMaskedRows flattens (batch, regions, dim) rows where the
// (batch, regions) mask is set; nil when none are.
func gatherMaskedRows(ctx ml.Context, t, mask ml.Tensor) ml.Tensor {
	var idx []int32
	for i, v := range mask.Ints() {
		if v != 0 {
			idx = append(idx, int32(i))
		}
	}
	if len(idx) == 0 {
		return nil
	}

	flat := t.Reshape(ctx, t.Dim(0)*t.Dim(1), t.Dim(2))
	return flat.Rows(ctx, ctx.FromInts(idx, len(idx)))
}

// sequenceMask prepends all-zero text positions to the region mask so it
// spans the fused sequence.
func sequenceMask(ctx ml.Context, textLen int, imageMask ml.Tensor) ml.Tensor {
	text := ctx.Zeros(ml.DTypeI32, imageMask.Dim(0), textLen)
	return text.Concat(ctx, imageMask, 1)
}
