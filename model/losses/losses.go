// Package losses implements the loss units applied to head scores. The
// set of kinds is closed; losses are reported under composite names of the
// form {dataset}/{task}/{kind}.
package losses

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats/scalar"

	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/model/input"
)

type Kind string

const (
	LogitBCE     Kind = "logit_bce"
	CrossEntropy Kind = "cross_entropy"
)

type computeFunc func(ctx ml.Context, batch *input.Batch, scores ml.Tensor) (ml.Tensor, error)

var kinds = map[Kind]computeFunc{
	LogitBCE:     logitBCE,
	CrossEntropy: crossEntropy,
}

// Loss computes a scalar loss from a batch and head scores.
type Loss struct {
	kind    Kind
	compute computeFunc
}

func New(kind Kind) (*Loss, error) {
	f, ok := kinds[kind]
	if !ok {
		return nil, fmt.Errorf("losses: unsupported loss kind %q", kind)
	}

	return &Loss{kind: kind, compute: f}, nil
}

func (l *Loss) Kind() Kind {
	return l.kind
}

// Key is the composite name a loss is reported under.
func (l *Loss) Key(datasetName, task string) string {
	return fmt.Sprintf("%s/%s/%s", datasetName, task, l.kind)
}

func (l *Loss) Forward(ctx ml.Context, batch *input.Batch, scores ml.Tensor) (ml.Tensor, error) {
	return l.compute(ctx, batch, scores)
}

// logitBCE is binary cross entropy on raw logits against dense targets,
// averaged over every element.
func logitBCE(ctx ml.Context, batch *input.Batch, scores ml.Tensor) (ml.Tensor, error) {
	targets := batch.Get(input.Targets)
	if targets == nil {
		return nil, fmt.Errorf("losses: batch is missing %q", input.Targets)
	}

	x, z := scores.Floats(), targets.Floats()
	if len(x) != len(z) {
		return nil, fmt.Errorf("losses: scores have %d elements but targets have %d", len(x), len(z))
	}

	var sum float64
	for i := range x {
		xi, zi := float64(x[i]), float64(z[i])
		sum += math.Max(xi, 0) - xi*zi + math.Log1p(math.Exp(-math.Abs(xi)))
	}

	mean := sum / float64(len(x))
	if scalar.Same(mean, math.NaN()) {
		return nil, fmt.Errorf("losses: %s diverged to NaN", LogitBCE)
	}

	return ml.Scalar(ctx, float32(mean)), nil
}

// crossEntropy averages the negative log likelihood of integer class
// targets.
func crossEntropy(ctx ml.Context, batch *input.Batch, scores ml.Tensor) (ml.Tensor, error) {
	targets := batch.Get(input.Targets)
	if targets == nil {
		return nil, fmt.Errorf("losses: batch is missing %q", input.Targets)
	}

	logProbs := scores.LogSoftmax(ctx).Floats()
	classes := scores.Dim(len(scores.Shape()) - 1)

	idx := targets.Ints()
	if len(idx)*classes != len(logProbs) {
		return nil, fmt.Errorf("losses: %d targets do not match scores of %d rows", len(idx), len(logProbs)/classes)
	}

	var sum float64
	for i, c := range idx {
		if c < 0 || int(c) >= classes {
			return nil, fmt.Errorf("losses: class %d out of range [0, %d)", c, classes)
		}
		sum += -float64(logProbs[i*classes+int(c)])
	}

	return ml.Scalar(ctx, float32(sum/float64(len(idx)))), nil
}
