// Package uniter implements the UNITER joint image-text encoder with its
// classification and pretraining wrappers. Text and region embeddings are
// fused into a single sequence, text first, and run through a shared
// transformer stack.
package uniter

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/model"
	"github.com/jmorganca/uniter/model/models/bert"
	"github.com/jmorganca/uniter/pretrained"
)

// EncoderStack runs fused embeddings through transformer layers and
// returns every hidden state, input first and final output last.
type EncoderStack interface {
	Forward(ctx ml.Context, hiddenStates, attentionMask ml.Tensor) []ml.Tensor
}

// Model is the joint encoder base shared by the task wrappers.
type Model struct {
	Embeddings    *bert.Embeddings `weights:"embeddings"`
	ImgEmbeddings *ImageEmbeddings `weights:"img_embeddings"`
	Encoder       EncoderStack     `weights:"encoder"`
	Pooler        *bert.Pooler     `weights:"pooler"`

	dtype ml.DType
	eps   float32
}

// New builds the joint encoder. Unless RandomInit is set, the text
// encoder configuration and weights are fetched under BertModelName and
// loaded over the random initialization.
func New(ctx ml.Context, c Config) (*Model, error) {
	c = c.normalized()

	var ckpt *pretrained.Checkpoint
	encCfg := bert.DefaultConfig()
	if fetched, err := pretrained.Fetch(c.BertModelName, c.Source); err != nil {
		if !c.RandomInit {
			return nil, err
		}
		slog.Warn("using default encoder configuration", "name", c.BertModelName)
	} else {
		ckpt = fetched
		encCfg = bert.ConfigFromFS(ckpt.Config())
	}
	encCfg = mergeEncoderConfig(encCfg, c.Encoder)

	// The embedding tables follow the fetched encoder configuration with
	// the merged text embedding options laid on top.
	embCfg := encCfg
	embCfg.VocabSize = c.TextEmbeddings.VocabSize
	embCfg.HiddenSize = c.TextEmbeddings.HiddenSize
	embCfg.MaxPositionEmbeddings = c.TextEmbeddings.MaxPositionEmbeddings
	embCfg.TypeVocabSize = c.TextEmbeddings.TypeVocabSize
	embCfg.PadTokenID = c.TextEmbeddings.PadTokenID
	embCfg.Eps = c.TextEmbeddings.Eps
	embCfg.HiddenDropoutProb = c.TextEmbeddings.HiddenDropoutProb

	m := &Model{
		Embeddings:    bert.NewEmbeddings(ctx, embCfg),
		ImgEmbeddings: NewImageEmbeddings(ctx, c.ImageEmbeddings),
		Encoder:       bert.NewEncoder(ctx, encCfg),
		Pooler:        bert.NewPooler(ctx, encCfg.HiddenSize),
		dtype:         c.DType,
		eps:           c.Eps,
	}

	if !c.RandomInit {
		if ckpt == nil {
			return nil, fmt.Errorf("uniter: no checkpoint for %q", c.BertModelName)
		}
		n, err := model.LoadWeights(ctx, m, ckpt.Weights())
		if err != nil {
			return nil, err
		}
		slog.Debug("loaded pretrained encoder", "name", c.BertModelName, "tensors", n)
	}

	return m, nil
}

// EncodeOptions carries the optional inputs of Encode.
type EncodeOptions struct {
	// TextTypeIDs defaults to all zeros, ImageTypeIDs to all ones.
	TextTypeIDs  ml.Tensor
	ImageTypeIDs ml.Tensor

	// ImageMasks flags masked regions; the image embeddings add a learned
	// mask embedding at flagged positions.
	ImageMasks ml.Tensor

	// GatherIndex is reserved. The joint sequence order is fixed to text
	// followed by image regions.
	GatherIndex ml.Tensor

	OutputHiddenStates bool
}

// Encode embeds whichever modalities are present and runs the encoder
// stack. With both modalities, text embeddings precede image embeddings
// in the joint sequence. It returns the final hidden state, or every
// hidden state when OutputHiddenStates is set.
func (m *Model) Encode(ctx ml.Context, inputIDs, positionIDs, imageFeat, imagePosFeat, attentionMask ml.Tensor, opts EncodeOptions) ([]ml.Tensor, error) {
	if attentionMask == nil {
		return nil, errors.New("uniter: attention mask is required")
	}

	extended := extendedAttentionMask(ctx, attentionMask, m.dtype)

	var embeddings ml.Tensor
	switch {
	case inputIDs != nil && imageFeat == nil:
		embeddings = m.Embeddings.Forward(ctx, inputIDs, positionIDs, opts.TextTypeIDs)
	case inputIDs == nil && imageFeat != nil:
		embeddings = m.embedImage(ctx, imageFeat, imagePosFeat, opts.ImageTypeIDs, opts.ImageMasks)
	case inputIDs != nil && imageFeat != nil:
		text := m.Embeddings.Forward(ctx, inputIDs, positionIDs, opts.TextTypeIDs)
		image := m.embedImage(ctx, imageFeat, imagePosFeat, opts.ImageTypeIDs, opts.ImageMasks)
		embeddings = text.Concat(ctx, image, 1)
	default:
		return nil, errors.New("uniter: at least one of input ids and image features is required")
	}

	states := m.Encoder.Forward(ctx, embeddings, extended)
	if !opts.OutputHiddenStates {
		states = states[len(states)-1:]
	}

	return states, nil
}

func (m *Model) embedImage(ctx ml.Context, imageFeat, imagePosFeat, typeIDs, imageMasks ml.Tensor) ml.Tensor {
	if typeIDs == nil {
		typeIDs = ctx.Full(1, imageFeat.Dim(0), imageFeat.Dim(1)).Cast(ctx, ml.DTypeI32)
	}

	typeEmbeddings := m.Embeddings.TokenType.Forward(ctx, typeIDs)
	return m.ImgEmbeddings.Forward(ctx, imageFeat, imagePosFeat, typeEmbeddings, imageMasks)
}

// extendedAttentionMask turns a (batch, seq) 0/1 mask into an additive
// (batch, 1, 1, seq) mask: kept positions become 0, padded positions a
// large negative value.
func extendedAttentionMask(ctx ml.Context, mask ml.Tensor, dtype ml.DType) ml.Tensor {
	batchSize, seqLen := mask.Dim(0), mask.Dim(1)
	m := mask.Cast(ctx, ml.DTypeF32).Reshape(ctx, batchSize, 1, 1, seqLen)
	extended := m.Scale(ctx, 10000).Add(ctx, ctx.Full(-10000, 1))
	return extended.Cast(ctx, dtype)
}
