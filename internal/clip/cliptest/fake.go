// Package cliptest provides a deterministic in-process model backend and
// weight fixtures for tests that must not depend on real ONNX weights.
package cliptest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/xxxsen/clipembed/internal/clip"
)

const Backend = "fake"

// Vocab is a tiny WordPiece vocabulary covering the words used in tests.
var Vocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]",
	"a", "photo", "of", "cat", "dog", "the", "##s", "play", "##ing", ",", ".", "!",
	"猫", "狗", "的", "照", "片",
}

// Controls lets a test steer the backend that Register installs.
type Controls struct {
	LoadErr  atomic.Value
	Gate     chan struct{}
	InferErr atomic.Value
	Loads    atomic.Int32
}

func (c *Controls) SetLoadErr(err error)  { c.LoadErr.Store(errBox{err}) }
func (c *Controls) SetInferErr(err error) { c.InferErr.Store(errBox{err}) }

type errBox struct{ err error }

func loadErr(v *atomic.Value) error {
	if b, ok := v.Load().(errBox); ok {
		return b.err
	}
	return nil
}

// Register installs the fake backend under Backend and returns its controls.
// When Gate is non-nil the factory blocks until it is closed.
func Register(gate chan struct{}) *Controls {
	ctl := &Controls{Gate: gate}
	clip.Register(Backend, func(opts clip.Options) (clip.Model, error) {
		ctl.Loads.Add(1)
		if ctl.Gate != nil {
			<-ctl.Gate
		}
		if err := loadErr(&ctl.LoadErr); err != nil {
			return nil, err
		}
		for _, name := range clip.WeightFiles(opts.Arch) {
			if _, err := os.Stat(filepath.Join(opts.Dir, name)); err != nil {
				return nil, fmt.Errorf("model file %s: %w", name, err)
			}
		}
		return &Model{dim: opts.Dim, ctl: ctl}, nil
	})
	return ctl
}

// WriteWeights creates placeholder weight files and the test vocabulary in dir.
func WriteWeights(dir, arch string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, name := range clip.WeightFiles(arch) {
		content := []byte("onnx placeholder")
		if name == clip.VocabFile {
			content = []byte(strings.Join(Vocab, "\n") + "\n")
		}
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Model derives vectors from a hash of its input, so equal inputs give equal
// vectors and different inputs almost surely differ.
type Model struct {
	dim int
	ctl *Controls
}

func (m *Model) EncodeImage(ctx context.Context, pixels *clip.ImageTensor) ([]float32, error) {
	if err := loadErr(&m.ctl.InferErr); err != nil {
		return nil, err
	}
	buf := make([]byte, 4*len(pixels.Data))
	for i, v := range pixels.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return m.vector(append([]byte("img:"), buf...)), nil
}

func (m *Model) EncodeText(ctx context.Context, tokens []int64) ([]float32, error) {
	if err := loadErr(&m.ctl.InferErr); err != nil {
		return nil, err
	}
	buf := make([]byte, 8*len(tokens))
	for i, v := range tokens {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
	return m.vector(append([]byte("txt:"), buf...)), nil
}

func (m *Model) vector(seed []byte) []float32 {
	out := make([]float32, m.dim)
	sum := sha256.Sum256(seed)
	block := sum[:]
	for i := range out {
		if i > 0 && i%8 == 0 {
			next := sha256.Sum256(block)
			block = next[:]
		}
		word := binary.LittleEndian.Uint32(block[(i%8)*4:])
		out[i] = float32(word%2000)/1000 - 1
	}
	return out
}

func (m *Model) Device() string {
	return clip.DeviceCPU
}

func (m *Model) Close() error {
	return nil
}
