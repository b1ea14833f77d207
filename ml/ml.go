package ml

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Backend provides tensor storage and computation for a model.
type Backend interface {
	Name() string
	NewContext() Context
}

var backends = make(map[string]func() (Backend, error))

// RegisterBackend registers a backend factory function.
func RegisterBackend(name string, f func() (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("ml: backend already registered")
	}

	backends[name] = f
}

// NewBackend creates a new backend instance by name. The empty string
// selects the default CPU backend.
func NewBackend(name string) (Backend, error) {
	if name == "" {
		name = "cpu"
	}

	if f, ok := backends[name]; ok {
		return f()
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}

// Context allocates tensors. Contexts are not safe for concurrent use;
// create one per goroutine.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	Full(value float32, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor
	Arange(start, stop, step float32, dtype DType) Tensor

	// Rand returns a tensor of uniform random values in [0, 1).
	Rand(shape ...int) Tensor

	// Randn returns a tensor of normally distributed values.
	Randn(mean, std float32, shape ...int) Tensor

	Close()
}

// Tensor is a dense n-dimensional array. Shapes are row-major with the
// batch dimension first. Operations compute eagerly and panic on shape
// mismatches; preconditions on optional inputs are the caller's problem.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	Floats() []float32
	Ints() []int32

	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Matmul(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor

	Softmax(ctx Context) Tensor
	LogSoftmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor

	Tanh(ctx Context) Tensor
	GELU(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, dims ...int) Tensor
	Contiguous(ctx Context) Tensor
	Slice(ctx Context, dim, start, end int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor

	// Rows gathers rows of a 2D table. The result has the shape of the
	// index tensor with the table's trailing dimension appended.
	Rows(ctx Context, indices Tensor) Tensor

	Cast(ctx Context, dtype DType) Tensor
}

// Scalar wraps a single value in a 0-dimensional tensor.
func Scalar(ctx Context, v float32) Tensor {
	return ctx.FromFloats([]float32{v})
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI32
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	case DTypeI32:
		return "I32"
	default:
		return "unknown"
	}
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64 |
		~complex64 | ~complex128
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print. Applies to float32 and float64.
	Precision int
}

func Dump(t Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	switch t.DType() {
	case DTypeF32, DTypeF16, DTypeBF16:
		return dump(t.Shape(), t.Floats(), opts[0])
	case DTypeI32:
		return dump(t.Shape(), t.Ints(), opts[0])
	default:
		return "<unsupported>"
	}
}

func dump[S ~[]E, E number](shape []int, s S, opts DumpOptions) string {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, s); err != nil {
		panic(err)
	}

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				// skip to next printable element
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += mul(append(dims[1:], skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprint(&sb, s[stride+i])
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}
