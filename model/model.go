// Package model defines the model interface, the architecture registry and
// tag-driven weight binding.
package model

import (
	"fmt"

	"github.com/jmorganca/uniter/fs"
	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/model/input"
)

// Output is the uniform result of a forward pass: a losses mapping and,
// when the active head produces them, flattened logits.
type Output struct {
	// Losses maps composite loss names to scalar tensors.
	Losses map[string]ml.Tensor

	// Scores holds the head logits reshaped to (-1, num_classes). Nil when
	// the head only reports losses.
	Scores ml.Tensor
}

// Model implements a specific model architecture, defining the forward
// pass over a batch.
type Model interface {
	Forward(ctx ml.Context, batch *input.Batch) (*Output, error)
}

var models = make(map[string]func(ml.Context, fs.Config) (Model, error))

// Register registers a model constructor for the given architecture.
func Register(name string, f func(ml.Context, fs.Config) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// New initializes a model instance for the named architecture.
func New(ctx ml.Context, arch string, c fs.Config) (Model, error) {
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("unsupported model architecture %q", arch)
	}

	return f(ctx, c)
}
