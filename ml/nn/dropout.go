package nn

import (
	"math/rand"

	"github.com/jmorganca/uniter/ml"
)

// Dropout zeroes activations with probability P during training and
// rescales the survivors. Outside of training it is the identity.
type Dropout struct {
	P        float32
	Training bool
}

func (d *Dropout) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	if !d.Training || d.P <= 0 {
		return t
	}

	f := t.Floats()
	keep := 1 - d.P
	for i := range f {
		if rand.Float32() < d.P {
			f[i] = 0
		} else {
			f[i] /= keep
		}
	}

	return ctx.FromFloats(f, t.Shape()...)
}
