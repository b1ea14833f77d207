package uniter

import (
	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/ml/nn"
)

// ImageEmbeddings projects region features and their position geometry
// into the encoder's hidden space.
type ImageEmbeddings struct {
	ImgLinear     *nn.Linear    `weights:"img_linear"`
	ImgLayerNorm  *nn.LayerNorm `weights:"img_layer_norm"`
	PosLinear     *nn.Linear    `weights:"pos_linear"`
	PosLayerNorm  *nn.LayerNorm `weights:"pos_layer_norm"`
	MaskEmbedding *nn.Embedding `weights:"mask_embedding"`
	LayerNorm     *nn.LayerNorm `weights:"LayerNorm,alt:final_layer_norm"`
	Dropout       *nn.Dropout

	imgDim int
	eps    float32
}

func NewImageEmbeddings(ctx ml.Context, c ImageEmbeddingsConfig) *ImageEmbeddings {
	c = c.normalized()
	return &ImageEmbeddings{
		ImgLinear:     nn.NewLinear(ctx, c.ImgDim, c.HiddenSize),
		ImgLayerNorm:  nn.NewLayerNorm(ctx, c.HiddenSize),
		PosLinear:     nn.NewLinear(ctx, c.PosDim, c.HiddenSize),
		PosLayerNorm:  nn.NewLayerNorm(ctx, c.HiddenSize),
		MaskEmbedding: nn.NewEmbedding(ctx, 2, c.ImgDim),
		LayerNorm:     nn.NewLayerNorm(ctx, c.HiddenSize),
		Dropout:       &nn.Dropout{P: c.HiddenDropoutProb},
		imgDim:        c.ImgDim,
		eps:           c.Eps,
	}
}

// maskTable returns the mask embedding table with row zero forced to
// zeros, so unmasked regions look up a zero vector. Row zero is rebuilt
// on every call since the table is trainable.
func (e *ImageEmbeddings) maskTable(ctx ml.Context) ml.Tensor {
	f := e.MaskEmbedding.Weight.Floats()
	for i := 0; i < e.imgDim; i++ {
		f[i] = 0
	}
	return ctx.FromFloats(f, 2, e.imgDim)
}

// Forward embeds region features. imageMasks, when present, holds 0/1
// region mask flags of shape (batch, regions); masked regions receive the
// learned mask embedding added to their raw features.
func (e *ImageEmbeddings) Forward(ctx ml.Context, imageFeat, imagePosFeat, typeEmbeddings, imageMasks ml.Tensor) ml.Tensor {
	if imageMasks != nil {
		mask := e.maskTable(ctx).Rows(ctx, imageMasks)
		imageFeat = imageFeat.Add(ctx, mask)
	}

	transformedIm := e.ImgLayerNorm.Forward(ctx, e.ImgLinear.Forward(ctx, imageFeat), e.eps)
	transformedPos := e.PosLayerNorm.Forward(ctx, e.PosLinear.Forward(ctx, imagePosFeat), e.eps)

	embeddings := transformedIm.Add(ctx, transformedPos).Add(ctx, typeEmbeddings)
	embeddings = e.LayerNorm.Forward(ctx, embeddings, e.eps)
	return e.Dropout.Forward(ctx, embeddings)
}
