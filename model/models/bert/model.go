// Package bert implements the BERT text embeddings, encoder stack and
// pooler consumed by the UNITER joint encoder. Parameter names follow the
// usual transformer checkpoint layout so pretrained weights bind by tag.
package bert

import (
	"math"

	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/ml/nn"
)

// Embeddings sums token, position and token-type embeddings and
// normalizes the result.
type Embeddings struct {
	Word      *nn.Embedding `weights:"word_embeddings"`
	Position  *nn.Embedding `weights:"position_embeddings"`
	TokenType *nn.Embedding `weights:"token_type_embeddings"`
	Norm      *nn.LayerNorm `weights:"LayerNorm"`

	Dropout *nn.Dropout

	eps float32
}

func NewEmbeddings(ctx ml.Context, c Config) *Embeddings {
	return &Embeddings{
		Word:      nn.NewEmbedding(ctx, c.VocabSize, c.HiddenSize),
		Position:  nn.NewEmbedding(ctx, c.MaxPositionEmbeddings, c.HiddenSize),
		TokenType: nn.NewEmbedding(ctx, c.TypeVocabSize, c.HiddenSize),
		Norm:      nn.NewLayerNorm(ctx, c.HiddenSize),
		Dropout:   &nn.Dropout{P: c.HiddenDropoutProb},
		eps:       c.Eps,
	}
}

// Forward embeds (batch, seq) token ids. positionIDs may be (1, seq) and
// broadcasts over the batch; typeIDs defaults to all zeros when nil.
func (e *Embeddings) Forward(ctx ml.Context, inputIDs, positionIDs, typeIDs ml.Tensor) ml.Tensor {
	if positionIDs == nil {
		positionIDs = ctx.Arange(0, float32(inputIDs.Dim(1)), 1, ml.DTypeI32).Reshape(ctx, 1, inputIDs.Dim(1))
	}
	if typeIDs == nil {
		typeIDs = ctx.Zeros(ml.DTypeI32, inputIDs.Shape()...)
	}

	hiddenStates := e.Word.Forward(ctx, inputIDs)
	hiddenStates = hiddenStates.Add(ctx, e.Position.Forward(ctx, positionIDs))
	hiddenStates = hiddenStates.Add(ctx, e.TokenType.Forward(ctx, typeIDs))
	hiddenStates = e.Norm.Forward(ctx, hiddenStates, e.eps)
	return e.Dropout.Forward(ctx, hiddenStates)
}

type Attention struct {
	Query  *nn.Linear `weights:"attention.self.query"`
	Key    *nn.Linear `weights:"attention.self.key"`
	Value  *nn.Linear `weights:"attention.self.value"`
	Output *nn.Linear `weights:"attention.output.dense"`
}

func (a *Attention) Forward(ctx ml.Context, hiddenStates, mask ml.Tensor, opts *Options) ml.Tensor {
	batchSize, seqLen := hiddenStates.Dim(0), hiddenStates.Dim(1)
	headDim := opts.hiddenSize / opts.numHeads

	split := func(t ml.Tensor) ml.Tensor {
		t = t.Reshape(ctx, batchSize, seqLen, opts.numHeads, headDim)
		return t.Permute(ctx, 0, 2, 1, 3)
	}

	query := split(a.Query.Forward(ctx, hiddenStates))
	key := split(a.Key.Forward(ctx, hiddenStates))
	value := split(a.Value.Forward(ctx, hiddenStates))

	attention := nn.Attention(ctx, query, key, value, 1/math.Sqrt(float64(headDim)), mask)
	attention = attention.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx)
	attention = attention.Reshape(ctx, batchSize, seqLen, opts.hiddenSize)
	return a.Output.Forward(ctx, attention)
}

type MLP struct {
	Up   *nn.Linear `weights:"intermediate.dense"`
	Down *nn.Linear `weights:"output.dense"`
}

func (m *MLP) Forward(ctx ml.Context, hiddenStates ml.Tensor) ml.Tensor {
	return m.Down.Forward(ctx, m.Up.Forward(ctx, hiddenStates).GELU(ctx))
}

type EncoderLayer struct {
	*Attention
	AttentionNorm *nn.LayerNorm `weights:"attention.output.LayerNorm"`

	*MLP
	MLPNorm *nn.LayerNorm `weights:"output.LayerNorm"`
}

func (e *EncoderLayer) Forward(ctx ml.Context, hiddenStates, mask ml.Tensor, opts *Options) ml.Tensor {
	residual := hiddenStates
	hiddenStates = e.Attention.Forward(ctx, hiddenStates, mask, opts)
	hiddenStates = hiddenStates.Add(ctx, residual)
	hiddenStates = e.AttentionNorm.Forward(ctx, hiddenStates, opts.eps)

	residual = hiddenStates
	hiddenStates = e.MLP.Forward(ctx, hiddenStates)
	hiddenStates = hiddenStates.Add(ctx, residual)
	hiddenStates = e.MLPNorm.Forward(ctx, hiddenStates, opts.eps)

	return hiddenStates
}

type Options struct {
	hiddenSize, numHeads int
	eps                  float32
}

// Encoder is the transformer layer stack. It takes already-fused
// embeddings and an additive attention mask; it knows nothing about
// modalities.
type Encoder struct {
	Layers []EncoderLayer `weights:"layer"`

	Options
}

func NewEncoder(ctx ml.Context, c Config) *Encoder {
	layers := make([]EncoderLayer, c.NumLayers)
	for i := range layers {
		layers[i] = EncoderLayer{
			Attention: &Attention{
				Query:  nn.NewLinear(ctx, c.HiddenSize, c.HiddenSize),
				Key:    nn.NewLinear(ctx, c.HiddenSize, c.HiddenSize),
				Value:  nn.NewLinear(ctx, c.HiddenSize, c.HiddenSize),
				Output: nn.NewLinear(ctx, c.HiddenSize, c.HiddenSize),
			},
			AttentionNorm: nn.NewLayerNorm(ctx, c.HiddenSize),
			MLP: &MLP{
				Up:   nn.NewLinear(ctx, c.HiddenSize, c.IntermediateSize),
				Down: nn.NewLinear(ctx, c.IntermediateSize, c.HiddenSize),
			},
			MLPNorm: nn.NewLayerNorm(ctx, c.HiddenSize),
		}
	}

	return &Encoder{
		Layers: layers,
		Options: Options{
			hiddenSize: c.HiddenSize,
			numHeads:   c.NumHeads,
			eps:        c.Eps,
		},
	}
}

// Forward runs the layer stack and returns every hidden state, input
// first and the final layer's output last.
func (e *Encoder) Forward(ctx ml.Context, hiddenStates, mask ml.Tensor) []ml.Tensor {
	out := make([]ml.Tensor, 0, len(e.Layers)+1)
	out = append(out, hiddenStates)
	for i := range e.Layers {
		hiddenStates = e.Layers[i].Forward(ctx, hiddenStates, mask, &e.Options)
		out = append(out, hiddenStates)
	}

	return out
}

// Pooler condenses a sequence to the transformed hidden state of its
// first token.
type Pooler struct {
	Dense *nn.Linear `weights:"dense"`
}

func NewPooler(ctx ml.Context, hiddenSize int) *Pooler {
	return &Pooler{Dense: nn.NewLinear(ctx, hiddenSize, hiddenSize)}
}

func (p *Pooler) Forward(ctx ml.Context, hiddenStates ml.Tensor) ml.Tensor {
	first := hiddenStates.Slice(ctx, 1, 0, 1)
	first = first.Reshape(ctx, hiddenStates.Dim(0), hiddenStates.Dim(2))
	return p.Dense.Forward(ctx, first).Tanh(ctx)
}
