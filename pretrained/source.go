package pretrained

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Source resolves a checkpoint name to its serialized archive.
type Source interface {
	Open(name string) (io.ReadCloser, error)
}

// Dir serves checkpoints from <dir>/<name>.ckpt on the local filesystem.
type Dir string

func (d Dir) Open(name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(string(d), name+".ckpt"))
}

// Registry is an in-memory source.
type Registry struct {
	mu       sync.RWMutex
	archives map[string][]byte
}

func (r *Registry) Add(name string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.archives == nil {
		r.archives = make(map[string][]byte)
	}
	r.archives[name] = data
}

func (r *Registry) Open(name string) (io.ReadCloser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, ok := r.archives[name]
	if !ok {
		return nil, fmt.Errorf("pretrained: checkpoint %q not registered", name)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// Sources tries each source in order and returns the first hit.
type Sources []Source

func (s Sources) Open(name string) (io.ReadCloser, error) {
	var lastErr error
	for _, src := range s {
		r, err := src.Open(name)
		if err == nil {
			return r, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("pretrained: no sources configured")
	}
	return nil, lastErr
}

var (
	defaultMu      sync.RWMutex
	defaultSources Sources = Sources{builtin}

	// builtin resolves checkpoints registered by the process itself.
	builtin = &Registry{}
)

// Register makes a checkpoint archive resolvable through the default
// source under name.
func Register(name string, data []byte) {
	builtin.Add(name, data)
}

// AddSource appends src to the default source list.
func AddSource(src Source) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultSources = append(defaultSources, src)
}

// DefaultSource returns the process-wide source list. UNITER_CHECKPOINTS,
// when set, contributes a checkpoint directory.
func DefaultSource() Source {
	defaultMu.RLock()
	defer defaultMu.RUnlock()

	srcs := defaultSources
	if dir := os.Getenv("UNITER_CHECKPOINTS"); dir != "" {
		srcs = append(append(Sources{}, srcs...), Dir(dir))
	}

	return srcs
}
