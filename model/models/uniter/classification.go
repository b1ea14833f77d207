package uniter

import (
	"fmt"
	"log/slog"

	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/model"
	"github.com/jmorganca/uniter/model/heads"
	"github.com/jmorganca/uniter/model/input"
	"github.com/jmorganca/uniter/model/losses"
)

// ForClassification routes each dataset's batches through its own
// classification head and loss unit on top of the shared joint encoder.
type ForClassification struct {
	Uniter *Model `weights:"uniter"`

	heads  map[string]heads.Head
	losses map[string]*losses.Loss
	tasks  []string
}

func NewForClassification(ctx ml.Context, c ClassificationConfig) (*ForClassification, error) {
	base, err := New(ctx, c.Config)
	if err != nil {
		return nil, err
	}

	m := &ForClassification{
		Uniter: base,
		heads:  make(map[string]heads.Head, len(c.Tasks)),
		losses: make(map[string]*losses.Loss, len(c.Tasks)),
		tasks:  c.Tasks,
	}

	for _, task := range c.Tasks {
		hc, ok := c.Heads[task]
		if !ok {
			return nil, fmt.Errorf("uniter: no head configured for dataset %q", task)
		}

		h, err := heads.New(ctx, hc, nil)
		if err != nil {
			return nil, err
		}
		m.heads[task] = h

		kind, ok := c.Losses[task]
		if !ok {
			slog.Warn("no loss configured for dataset, expecting the head to compute its own", "dataset", task)
			continue
		}

		l, err := losses.New(kind)
		if err != nil {
			return nil, err
		}
		m.losses[task] = l
	}

	return m, nil
}

func (m *ForClassification) Forward(ctx ml.Context, batch *input.Batch) (*model.Output, error) {
	sequenceOutput, err := m.Uniter.encodeBatch(ctx, batch)
	if err != nil {
		return nil, err
	}

	head, ok := m.heads[batch.DatasetName]
	if !ok {
		return nil, fmt.Errorf("uniter: no head for dataset %q", batch.DatasetName)
	}

	out, err := head.Forward(ctx, sequenceOutput, batch)
	if err != nil {
		return nil, err
	}

	return processHeadOutput(ctx, batch, out, m.losses[batch.DatasetName], batch.DatasetName, batch.DatasetName)
}

// processHeadOutput normalizes head output into model output. Heads that
// supervise themselves pass their losses through; otherwise the scores are
// flattened to (rows, classes) and fed to the configured loss unit, and
// the result is reported under the composite loss key.
func processHeadOutput(ctx ml.Context, batch *input.Batch, out *heads.Output, loss *losses.Loss, datasetName, task string) (*model.Output, error) {
	if out.Losses != nil {
		return &model.Output{Losses: out.Losses, Scores: out.Scores}, nil
	}

	if loss == nil {
		return nil, fmt.Errorf("uniter: no loss configured for dataset %q", datasetName)
	}

	scores := out.Scores
	shape := scores.Shape()
	classes := shape[len(shape)-1]
	rows := 1
	for _, d := range shape[:len(shape)-1] {
		rows *= d
	}
	scores = scores.Reshape(ctx, rows, classes)

	l, err := loss.Forward(ctx, batch, scores)
	if err != nil {
		return nil, err
	}

	return &model.Output{
		Losses: map[string]ml.Tensor{loss.Key(datasetName, task): l},
		Scores: scores,
	}, nil
}

// encodeBatch runs the joint encoder on the canonical batch fields and
// returns the final hidden state.
func (m *Model) encodeBatch(ctx ml.Context, batch *input.Batch) (ml.Tensor, error) {
	for _, name := range []string{input.InputIDs, input.PositionIDs, input.ImageFeat, input.ImagePosFeat, input.AttentionMask} {
		if !batch.Has(name) {
			return nil, fmt.Errorf("uniter: batch is missing %q", name)
		}
	}

	states, err := m.Encode(ctx,
		batch.Get(input.InputIDs),
		batch.Get(input.PositionIDs),
		batch.Get(input.ImageFeat),
		batch.Get(input.ImagePosFeat),
		batch.Get(input.AttentionMask),
		EncodeOptions{ImageMasks: batch.Get(input.ImageMask)})
	if err != nil {
		return nil, err
	}

	return states[len(states)-1], nil
}
