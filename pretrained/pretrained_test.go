package pretrained

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/jmorganca/uniter/ml/backend/cpu"
)

func testArchive(t *testing.T) []byte {
	t.Helper()

	a := &Archive{
		Config: map[string]any{
			"hidden_size":       int64(16),
			"num_hidden_layers": int64(2),
		},
		Tensors: map[string]Tensor{
			"embeddings.word_embeddings.weight": FloatTensor([]float32{1, 2, 3, 4, 5, 6}, 3, 2),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, a.Encode(&buf))
	return buf.Bytes()
}

func TestArchiveRoundTrip(t *testing.T) {
	data := testArchive(t)

	a, err := DecodeArchive(bytes.NewReader(data))
	require.NoError(t, err)

	tensor := a.Tensors["embeddings.word_embeddings.weight"]
	assert.Equal(t, "f32", tensor.DType)
	assert.Equal(t, []int{3, 2}, tensor.Shape)

	f, err := tensor.Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, f)
}

func TestTensorHalfPrecision(t *testing.T) {
	want := []float32{0, 1, -1, 0.5}

	f16 := make([]byte, 2*len(want))
	bf16 := make([]byte, 2*len(want))
	for i, v := range want {
		binary.LittleEndian.PutUint16(f16[2*i:], float16.Fromfloat32(v).Bits())
		binary.LittleEndian.PutUint16(bf16[2*i:], uint16(math.Float32bits(v)>>16))
	}

	got, err := Tensor{DType: "f16", Shape: []int{4}, Data: f16}.Floats()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = Tensor{DType: "bf16", Shape: []int{4}, Data: bf16}.Floats()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = Tensor{DType: "q4_0", Data: nil}.Floats()
	assert.Error(t, err)
}

func TestFetchFromRegistry(t *testing.T) {
	var reg Registry
	reg.Add("bert-tiny", testArchive(t))

	ckpt, err := Fetch("bert-tiny", &reg)
	require.NoError(t, err)
	assert.Equal(t, "bert-tiny", ckpt.Name())
	assert.Equal(t, 16, ckpt.Config().Int("hidden_size"))

	ctx := cpu.New().NewContext()
	defer ctx.Close()

	w := ckpt.Weights()
	got := w.Get(ctx, "embeddings.word_embeddings.weight")
	require.NotNil(t, got)
	assert.Equal(t, []int{3, 2}, got.Shape())
	assert.Nil(t, w.Get(ctx, "no.such.tensor"))
}

func TestFetchFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bert-tiny.ckpt"), testArchive(t), 0o644))

	ckpt, err := Fetch("bert-tiny", Dir(dir))
	require.NoError(t, err)
	assert.Equal(t, 2, ckpt.Config().Int("num_hidden_layers"))
}

// countingSource counts attempts and fails until the configured one.
type countingSource struct {
	succeedOn int
	attempts  int
	data      []byte
}

func (s *countingSource) Open(name string) (io.ReadCloser, error) {
	s.attempts++
	if s.attempts < s.succeedOn {
		return nil, errors.New("transient")
	}

	return io.NopCloser(bytes.NewReader(s.data)), nil
}

func TestFetchRetries(t *testing.T) {
	src := &countingSource{succeedOn: 3, data: testArchive(t)}

	_, err := Fetch("bert-tiny", src)
	require.NoError(t, err)
	assert.Equal(t, 3, src.attempts)
}

func TestFetchGivesUp(t *testing.T) {
	src := &countingSource{succeedOn: 100}

	_, err := Fetch("bert-tiny", src)
	require.Error(t, err)
	assert.Equal(t, fetchAttempts, src.attempts)
}

func TestSourcesFallThrough(t *testing.T) {
	var reg Registry
	reg.Add("bert-tiny", testArchive(t))

	srcs := Sources{Dir(t.TempDir()), &reg}
	r, err := srcs.Open("bert-tiny")
	require.NoError(t, err)
	r.Close()

	_, err = srcs.Open("missing")
	assert.Error(t, err)

	_, err = Sources{}.Open("anything")
	assert.Error(t, err)
}
