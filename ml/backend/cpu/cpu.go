// Package cpu implements a pure Go ml.Backend. It exists to run models
// without a native runtime attached: construction, preprocessing and
// forward passes all work on plain float32 slices with gonum providing
// the matrix kernels.
package cpu

import (
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/jmorganca/uniter/ml"
)

type Backend struct {
	// Seed is the base seed for contexts created from this backend. Each
	// context derives its own stream so parameter initialization is
	// reproducible for a fixed seed.
	Seed int64

	contexts atomic.Int64
}

func init() {
	ml.RegisterBackend("cpu", func() (ml.Backend, error) {
		return New(), nil
	})
}

func New() *Backend {
	return &Backend{Seed: 1}
}

func (b *Backend) Name() string {
	return "cpu"
}

func (b *Backend) NewContext() ml.Context {
	n := b.contexts.Add(1)
	return &context{rng: rand.New(rand.NewSource(b.Seed + n))}
}

type context struct {
	rng *rand.Rand
}

func (c *context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(dtype, shape)
}

func (c *context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(dtype, shape)
}

func (c *context) Full(value float32, shape ...int) ml.Tensor {
	t := newTensor(ml.DTypeF32, shape)
	for i := range t.f {
		t.f[i] = value
	}

	return t
}

func (c *context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := newTensor(ml.DTypeF32, shape)
	if len(s) != len(t.f) {
		panic("cpu: data size does not match shape")
	}

	copy(t.f, s)
	return t
}

func (c *context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := newTensor(ml.DTypeI32, shape)
	if len(s) != len(t.i) {
		panic("cpu: data size does not match shape")
	}

	copy(t.i, s)
	return t
}

func (c *context) Arange(start, stop, step float32, dtype ml.DType) ml.Tensor {
	if step == 0 {
		panic("cpu: arange step cannot be zero")
	}

	n := int(math.Ceil(float64((stop - start) / step)))
	if n < 0 {
		n = 0
	}

	switch dtype {
	case ml.DTypeI32:
		s := make([]int32, n)
		for i := range s {
			s[i] = int32(start + float32(i)*step)
		}
		return c.FromInts(s, n)
	default:
		s := make([]float32, n)
		for i := range s {
			s[i] = start + float32(i)*step
		}
		return c.FromFloats(s, n)
	}
}

func (c *context) Rand(shape ...int) ml.Tensor {
	t := newTensor(ml.DTypeF32, shape)
	for i := range t.f {
		t.f[i] = c.rng.Float32()
	}

	return t
}

func (c *context) Randn(mean, std float32, shape ...int) ml.Tensor {
	t := newTensor(ml.DTypeF32, shape)
	for i := range t.f {
		t.f[i] = mean + std*float32(c.rng.NormFloat64())
	}

	return t
}

func (c *context) Close() {}
