// Package pretrained fetches and decodes model checkpoints. A checkpoint
// is a CBOR archive holding configuration metadata and named parameter
// tensors; sources resolve archives by checkpoint name.
package pretrained

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/fxamacker/cbor/v2"
	"github.com/x448/float16"

	"github.com/jmorganca/uniter/fs"
	"github.com/jmorganca/uniter/ml"
)

// fetchAttempts bounds how often a fetch is retried before giving up.
const fetchAttempts = 6

// Tensor is a single serialized parameter.
type Tensor struct {
	DType string `cbor:"dtype"`
	Shape []int  `cbor:"shape"`
	Data  []byte `cbor:"data"`
}

// Archive is the on-disk checkpoint layout.
type Archive struct {
	Config  map[string]any    `cbor:"config"`
	Tensors map[string]Tensor `cbor:"tensors"`
}

func (a *Archive) Encode(w io.Writer) error {
	return cbor.NewEncoder(w).Encode(a)
}

func DecodeArchive(r io.Reader) (*Archive, error) {
	var a Archive
	if err := cbor.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("pretrained: decoding archive: %w", err)
	}

	return &a, nil
}

// FloatTensor serializes a float32 slice as an archive tensor.
func FloatTensor(f []float32, shape ...int) Tensor {
	data := make([]byte, 4*len(f))
	for i, v := range f {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}

	return Tensor{DType: "f32", Shape: shape, Data: data}
}

// Floats decodes the tensor payload to float32.
func (t Tensor) Floats() ([]float32, error) {
	switch t.DType {
	case "f32":
		f := make([]float32, len(t.Data)/4)
		for i := range f {
			f[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
		}
		return f, nil
	case "f16":
		f := make([]float32, len(t.Data)/2)
		for i := range f {
			f[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*i:])).Float32()
		}
		return f, nil
	case "bf16":
		return bfloat16.DecodeFloat32(t.Data), nil
	default:
		return nil, fmt.Errorf("pretrained: unsupported tensor dtype %q", t.DType)
	}
}

// Checkpoint is a decoded archive bound to the name it was fetched under.
type Checkpoint struct {
	name    string
	archive *Archive
}

func (c *Checkpoint) Name() string { return c.name }

func (c *Checkpoint) Config() fs.Config { return fs.Map(c.archive.Config) }

// Weights adapts the checkpoint's tensors to a by-name lookup. Unknown
// names resolve to nil so callers keep their initialization for them.
func (c *Checkpoint) Weights() *Weights { return &Weights{archive: c.archive} }

type Weights struct {
	archive *Archive
}

func (w *Weights) Get(ctx ml.Context, name string) ml.Tensor {
	t, ok := w.archive.Tensors[name]
	if !ok {
		return nil
	}

	f, err := t.Floats()
	if err != nil {
		slog.Warn("skipping undecodable tensor", "name", name, "dtype", t.DType)
		return nil
	}

	return ctx.FromFloats(f, t.Shape...)
}

// Fetch resolves name against src, retrying transient failures. A nil src
// uses the process-wide default source.
func Fetch(name string, src Source) (*Checkpoint, error) {
	if src == nil {
		src = DefaultSource()
	}

	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		ckpt, err := fetch(name, src)
		if err == nil {
			return ckpt, nil
		}

		lastErr = err
		slog.Warn("checkpoint fetch failed", "name", name, "attempt", attempt, "error", err)
	}

	return nil, fmt.Errorf("pretrained: fetching %q: %w", name, lastErr)
}

func fetch(name string, src Source) (*Checkpoint, error) {
	r, err := src.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	a, err := DecodeArchive(r)
	if err != nil {
		return nil, err
	}

	return &Checkpoint{name: name, archive: a}, nil
}
