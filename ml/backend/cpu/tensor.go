package cpu

import (
	"fmt"
	"math"
	"runtime"
	"slices"

	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/jmorganca/uniter/ml"
)

type tensor struct {
	dtype ml.DType
	shape []int

	f []float32 // F32
	i []int32   // I32
	u []uint16  // F16 and BF16 bits
}

func newTensor(dtype ml.DType, shape []int) *tensor {
	t := &tensor{dtype: dtype, shape: slices.Clone(shape)}
	switch dtype {
	case ml.DTypeI32:
		t.i = make([]int32, numel(shape))
	case ml.DTypeF16, ml.DTypeBF16:
		t.u = make([]uint16, numel(shape))
	default:
		t.f = make([]float32, numel(shape))
	}

	return t
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("cpu: negative dimension in shape %v", shape))
		}
		n *= d
	}

	return n
}

func cpuTensor(t ml.Tensor) *tensor {
	tt, ok := t.(*tensor)
	if !ok {
		panic(fmt.Sprintf("cpu: foreign tensor type %T", t))
	}

	return tt
}

func (t *tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *tensor) DType() ml.DType {
	return t.dtype
}

// floats returns the tensor's values as float32 without copying when the
// tensor is already F32. Callers must not mutate the result.
func (t *tensor) floats() []float32 {
	switch t.dtype {
	case ml.DTypeF32:
		return t.f
	case ml.DTypeF16:
		s := make([]float32, len(t.u))
		for i, b := range t.u {
			s[i] = float16.Frombits(b).Float32()
		}
		return s
	case ml.DTypeBF16:
		s := make([]float32, len(t.u))
		for i, b := range t.u {
			s[i] = math.Float32frombits(uint32(b) << 16)
		}
		return s
	case ml.DTypeI32:
		s := make([]float32, len(t.i))
		for i, v := range t.i {
			s[i] = float32(v)
		}
		return s
	default:
		panic("cpu: unsupported dtype")
	}
}

func (t *tensor) Floats() []float32 {
	return slices.Clone(t.floats())
}

func (t *tensor) Ints() []int32 {
	if t.dtype == ml.DTypeI32 {
		return slices.Clone(t.i)
	}

	f := t.floats()
	s := make([]int32, len(f))
	for i, v := range f {
		s[i] = int32(v)
	}

	return s
}

// broadcastShape computes the numpy-style broadcast of two shapes, aligned
// on trailing dimensions.
func broadcastShape(a, b []int) []int {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := 1; i <= n; i++ {
		da, db := 1, 1
		if i <= len(a) {
			da = a[len(a)-i]
		}
		if i <= len(b) {
			db = b[len(b)-i]
		}

		switch {
		case da == db, db == 1:
			out[n-i] = da
		case da == 1:
			out[n-i] = db
		default:
			panic(fmt.Sprintf("cpu: cannot broadcast shapes %v and %v", a, b))
		}
	}

	return out
}

// strides returns element strides for shape, with zero strides where the
// shape was broadcast up to out.
func broadcastStrides(shape, out []int) []int {
	st := make([]int, len(out))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		j := i + len(out) - len(shape)
		if shape[i] == out[j] {
			st[j] = acc
		}
		acc *= shape[i]
	}

	return st
}

func elementwise(a, b *tensor, op func(x, y float32) float32) *tensor {
	shape := broadcastShape(a.shape, b.shape)
	sa := broadcastStrides(a.shape, shape)
	sb := broadcastStrides(b.shape, shape)

	af, bf := a.floats(), b.floats()
	out := newTensor(ml.DTypeF32, shape)

	coords := make([]int, len(shape))
	for i := range out.f {
		var ia, ib int
		for d := range coords {
			ia += coords[d] * sa[d]
			ib += coords[d] * sb[d]
		}
		out.f[i] = op(af[ia], bf[ib])

		for d := len(coords) - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < shape[d] {
				break
			}
			coords[d] = 0
		}
	}

	return out
}

func (t *tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return elementwise(t, cpuTensor(t2), func(x, y float32) float32 { return x + y })
}

func (t *tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return elementwise(t, cpuTensor(t2), func(x, y float32) float32 { return x * y })
}

func (t *tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	out := newTensor(ml.DTypeF32, t.shape)
	for i, v := range t.floats() {
		out.f[i] = v * float32(s)
	}

	return out
}

// Matmul multiplies the trailing two dimensions of t and t2, broadcasting
// any leading batch dimensions. Independent batch matrices run in parallel.
func (t *tensor) Matmul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	a, b := t, cpuTensor(t2)
	if len(a.shape) < 2 || len(b.shape) < 2 {
		panic("cpu: matmul operands must have at least 2 dimensions")
	}

	m, ka := a.shape[len(a.shape)-2], a.shape[len(a.shape)-1]
	kb, n := b.shape[len(b.shape)-2], b.shape[len(b.shape)-1]
	if ka != kb {
		panic(fmt.Sprintf("cpu: matmul inner dimensions do not match: %v x %v", a.shape, b.shape))
	}

	batch := broadcastShape(a.shape[:len(a.shape)-2], b.shape[:len(b.shape)-2])
	sa := broadcastStrides(a.shape[:len(a.shape)-2], batch)
	sb := broadcastStrides(b.shape[:len(b.shape)-2], batch)

	af, bf := a.floats(), b.floats()
	out := newTensor(ml.DTypeF32, append(slices.Clone(batch), m, n))

	nb := numel(batch)
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i := 0; i < nb; i++ {
		coords := make([]int, len(batch))
		rem := i
		for d := len(batch) - 1; d >= 0; d-- {
			coords[d] = rem % batch[d]
			rem /= batch[d]
		}

		var ia, ib int
		for d := range coords {
			ia += coords[d] * sa[d]
			ib += coords[d] * sb[d]
		}

		am := blas32.General{Rows: m, Cols: ka, Stride: ka, Data: af[ia*m*ka : (ia+1)*m*ka]}
		bm := blas32.General{Rows: kb, Cols: n, Stride: n, Data: bf[ib*kb*n : (ib+1)*kb*n]}
		cm := blas32.General{Rows: m, Cols: n, Stride: n, Data: out.f[i*m*n : (i+1)*m*n]}

		g.Go(func() error {
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, am, bm, 0, cm)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		panic(err)
	}

	return out
}

func (t *tensor) Softmax(ctx ml.Context) ml.Tensor {
	f := t.floats()
	d := t.shape[len(t.shape)-1]
	out := newTensor(ml.DTypeF32, t.shape)

	for r := 0; r < len(f); r += d {
		row, dst := f[r:r+d], out.f[r:r+d]
		m := slices.Max(row)

		var sum float32
		for i, v := range row {
			dst[i] = float32(math.Exp(float64(v - m)))
			sum += dst[i]
		}
		for i := range dst {
			dst[i] /= sum
		}
	}

	return out
}

func (t *tensor) LogSoftmax(ctx ml.Context) ml.Tensor {
	f := t.floats()
	d := t.shape[len(t.shape)-1]
	out := newTensor(ml.DTypeF32, t.shape)

	for r := 0; r < len(f); r += d {
		row, dst := f[r:r+d], out.f[r:r+d]
		m := slices.Max(row)

		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - m))
		}

		lse := m + float32(math.Log(sum))
		for i, v := range row {
			dst[i] = v - lse
		}
	}

	return out
}

func (t *tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	f := t.floats()
	d := t.shape[len(t.shape)-1]
	out := newTensor(ml.DTypeF32, t.shape)

	var w, b []float32
	if weight != nil {
		w = cpuTensor(weight).floats()
	}
	if bias != nil {
		b = cpuTensor(bias).floats()
	}

	for r := 0; r < len(f); r += d {
		row, dst := f[r:r+d], out.f[r:r+d]

		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(d)

		var variance float32
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float32(d)

		inv := float32(1 / math.Sqrt(float64(variance+eps)))
		for i, v := range row {
			dst[i] = (v - mean) * inv
			if w != nil {
				dst[i] *= w[i]
			}
			if b != nil {
				dst[i] += b[i]
			}
		}
	}

	return out
}

func (t *tensor) Tanh(ctx ml.Context) ml.Tensor {
	out := newTensor(ml.DTypeF32, t.shape)
	for i, v := range t.floats() {
		out.f[i] = float32(math.Tanh(float64(v)))
	}

	return out
}

func (t *tensor) GELU(ctx ml.Context) ml.Tensor {
	out := newTensor(ml.DTypeF32, t.shape)
	for i, v := range t.floats() {
		x := float64(v)
		out.f[i] = float32(0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x))))
	}

	return out
}

func (t *tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if numel(shape) != numel(t.shape) {
		panic(fmt.Sprintf("cpu: cannot reshape %v to %v", t.shape, shape))
	}

	out := &tensor{dtype: t.dtype, shape: slices.Clone(shape), f: t.f, i: t.i, u: t.u}
	return out
}

func (t *tensor) Permute(ctx ml.Context, dims ...int) ml.Tensor {
	if len(dims) != len(t.shape) {
		panic(fmt.Sprintf("cpu: permute %v does not match rank of %v", dims, t.shape))
	}

	shape := make([]int, len(dims))
	for i, d := range dims {
		shape[i] = t.shape[d]
	}

	src := t.floats()
	srcStrides := make([]int, len(t.shape))
	acc := 1
	for i := len(t.shape) - 1; i >= 0; i-- {
		srcStrides[i] = acc
		acc *= t.shape[i]
	}

	out := newTensor(ml.DTypeF32, shape)
	coords := make([]int, len(shape))
	for i := range out.f {
		var j int
		for d := range coords {
			j += coords[d] * srcStrides[dims[d]]
		}
		out.f[i] = src[j]

		for d := len(coords) - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < shape[d] {
				break
			}
			coords[d] = 0
		}
	}

	if t.dtype == ml.DTypeI32 {
		return out.Cast(ctx, ml.DTypeI32)
	}

	return out
}

func (t *tensor) Contiguous(ctx ml.Context) ml.Tensor {
	return t
}

func (t *tensor) Slice(ctx ml.Context, dim, start, end int) ml.Tensor {
	if dim < 0 || dim >= len(t.shape) || start < 0 || end > t.shape[dim] || start > end {
		panic(fmt.Sprintf("cpu: slice [%d:%d] on dim %d out of range for %v", start, end, dim, t.shape))
	}

	shape := slices.Clone(t.shape)
	shape[dim] = end - start

	outer := numel(t.shape[:dim])
	inner := numel(t.shape[dim+1:])

	out := newTensor(t.dtype, shape)
	for o := 0; o < outer; o++ {
		srcOff := (o*t.shape[dim] + start) * inner
		dstOff := o * shape[dim] * inner
		n := shape[dim] * inner
		switch t.dtype {
		case ml.DTypeI32:
			copy(out.i[dstOff:dstOff+n], t.i[srcOff:srcOff+n])
		case ml.DTypeF16, ml.DTypeBF16:
			copy(out.u[dstOff:dstOff+n], t.u[srcOff:srcOff+n])
		default:
			copy(out.f[dstOff:dstOff+n], t.f[srcOff:srcOff+n])
		}
	}

	return out
}

func (t *tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	b := cpuTensor(t2)
	if t.dtype != b.dtype {
		panic(fmt.Sprintf("cpu: concat dtype mismatch: %v vs %v", t.dtype, b.dtype))
	}
	if len(t.shape) != len(b.shape) {
		panic(fmt.Sprintf("cpu: concat rank mismatch: %v vs %v", t.shape, b.shape))
	}
	for i := range t.shape {
		if i != dim && t.shape[i] != b.shape[i] {
			panic(fmt.Sprintf("cpu: concat shapes %v and %v differ outside dim %d", t.shape, b.shape, dim))
		}
	}

	shape := slices.Clone(t.shape)
	shape[dim] += b.shape[dim]

	outer := numel(t.shape[:dim])
	innerA := t.shape[dim] * numel(t.shape[dim+1:])
	innerB := b.shape[dim] * numel(b.shape[dim+1:])

	out := newTensor(t.dtype, shape)
	for o := 0; o < outer; o++ {
		dst := o * (innerA + innerB)
		switch t.dtype {
		case ml.DTypeI32:
			copy(out.i[dst:], t.i[o*innerA:(o+1)*innerA])
			copy(out.i[dst+innerA:], b.i[o*innerB:(o+1)*innerB])
		case ml.DTypeF16, ml.DTypeBF16:
			copy(out.u[dst:], t.u[o*innerA:(o+1)*innerA])
			copy(out.u[dst+innerA:], b.u[o*innerB:(o+1)*innerB])
		default:
			copy(out.f[dst:], t.f[o*innerA:(o+1)*innerA])
			copy(out.f[dst+innerA:], b.f[o*innerB:(o+1)*innerB])
		}
	}

	return out
}

func (t *tensor) Rows(ctx ml.Context, indices ml.Tensor) ml.Tensor {
	if len(t.shape) != 2 {
		panic(fmt.Sprintf("cpu: rows requires a 2D table, got %v", t.shape))
	}

	idx := cpuTensor(indices).Ints()
	rows, dim := t.shape[0], t.shape[1]
	f := t.floats()

	out := newTensor(ml.DTypeF32, append(indices.Shape(), dim))
	for i, r := range idx {
		if r < 0 || int(r) >= rows {
			panic(fmt.Sprintf("cpu: row index %d out of range [0, %d)", r, rows))
		}
		copy(out.f[i*dim:(i+1)*dim], f[int(r)*dim:(int(r)+1)*dim])
	}

	return out
}

func (t *tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	if dtype == t.dtype {
		return t
	}

	out := newTensor(dtype, t.shape)
	f := t.floats()
	switch dtype {
	case ml.DTypeF32:
		copy(out.f, f)
	case ml.DTypeF16:
		for i, v := range f {
			out.u[i] = float16.Fromfloat32(v).Bits()
		}
	case ml.DTypeBF16:
		for i, v := range f {
			out.u[i] = uint16(math.Float32bits(v) >> 16)
		}
	case ml.DTypeI32:
		for i, v := range f {
			out.i[i] = int32(v)
		}
	default:
		panic("cpu: unsupported cast")
	}

	return out
}
