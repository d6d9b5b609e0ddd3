package clip

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

const (
	DeviceCUDA = "cuda"
	DeviceCPU  = "cpu"
)

const VocabFile = "vocab.txt"

// Model is the opaque inference capability. Implementations must accept
// concurrent calls once constructed.
type Model interface {
	EncodeImage(ctx context.Context, pixels *ImageTensor) ([]float32, error)
	EncodeText(ctx context.Context, tokens []int64) ([]float32, error)
	Device() string
	Close() error
}

type Options struct {
	Arch           string
	Dir            string
	LibPath        string
	IntraOpThreads int
	Dim            int
}

func ImageEncoderFile(arch string) string {
	return strings.ToLower(arch) + ".img.fp32.onnx"
}

func TextEncoderFile(arch string) string {
	return strings.ToLower(arch) + ".txt.fp32.onnx"
}

// WeightFiles lists every file the model directory must hold for arch.
func WeightFiles(arch string) []string {
	return []string{ImageEncoderFile(arch), TextEncoderFile(arch), VocabFile}
}

func (o Options) path(name string) string {
	return filepath.Join(o.Dir, name)
}

type Factory func(opts Options) (Model, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

func NewModel(backend string, opts Options) (Model, error) {
	key := strings.ToLower(strings.TrimSpace(backend))
	if key == "" {
		return nil, fmt.Errorf("model backend is required")
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported model backend: %s", backend)
	}
	return factory(opts)
}
