// Package lifecycle owns the process-wide model handle. The handle is written
// once by Initialize and read lock-free by every request afterwards.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/clipembed/internal/clip"
	"github.com/xxxsen/clipembed/internal/model"
	appErr "github.com/xxxsen/clipembed/internal/pkg/errors"
	"github.com/xxxsen/clipembed/internal/weightstore"
)

type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handle is fully populated before it is published and never mutated after.
type Handle struct {
	Model         clip.Model
	Preprocessor  *clip.Preprocessor
	Tokenizer     *clip.Tokenizer
	ContextLength int
	Device        string
	Arch          string
	Dim           int
}

type Options struct {
	Dir            string
	Backend        string
	LibPath        string
	IntraOpThreads int
	Source         weightstore.Source
}

type Manager struct {
	opts    Options
	state   atomic.Int32
	handle  atomic.Pointer[Handle]
	started atomic.Bool
	ready   chan struct{}
	done    chan struct{}
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:  opts,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Initialize performs the one-time blocking load. Any failure is fatal for
// the caller: the manager ends in StateFailed and never retries.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("model manager already initialized")
	}
	defer close(m.done)
	m.state.Store(int32(StateLoading))

	logger := logutil.GetLogger(ctx).With(
		zap.String("arch", model.ModelArch),
		zap.String("dir", m.opts.Dir),
		zap.String("backend", m.opts.Backend),
	)
	logger.Info("loading model")
	start := time.Now()
	h, err := m.load(ctx)
	if err != nil {
		m.state.Store(int32(StateFailed))
		logger.Error("failed to load model", zap.Error(err))
		return appErr.Startup(err)
	}
	m.handle.Store(h)
	m.state.Store(int32(StateReady))
	close(m.ready)
	logger.Info("model loaded", zap.String("device", h.Device), zap.Duration("duration", time.Since(start)))
	return nil
}

func (m *Manager) load(ctx context.Context) (*Handle, error) {
	files := clip.WeightFiles(model.ModelArch)
	if err := weightstore.Ensure(ctx, m.opts.Source, m.opts.Dir, files); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokenizer, err := clip.LoadVocab(filepath.Join(m.opts.Dir, clip.VocabFile))
	if err != nil {
		return nil, err
	}
	mdl, err := clip.NewModel(m.opts.Backend, clip.Options{
		Arch:           model.ModelArch,
		Dir:            m.opts.Dir,
		LibPath:        m.opts.LibPath,
		IntraOpThreads: m.opts.IntraOpThreads,
		Dim:            model.EmbeddingDim,
	})
	if err != nil {
		return nil, err
	}
	return &Handle{
		Model:         mdl,
		Preprocessor:  clip.NewPreprocessor(clip.DefaultImageSize),
		Tokenizer:     tokenizer,
		ContextLength: clip.DefaultContextLength,
		Device:        mdl.Device(),
		Arch:          model.ModelArch,
		Dim:           model.EmbeddingDim,
	}, nil
}

func (m *Manager) IsReady() bool {
	return m.handle.Load() != nil
}

func (m *Manager) Handle() (*Handle, bool) {
	h := m.handle.Load()
	return h, h != nil
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// Device is empty until the model is ready.
func (m *Manager) Device() string {
	if h := m.handle.Load(); h != nil {
		return h.Device
	}
	return ""
}

// Ready is closed once the handle is published. It stays open on failure.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// WaitReady blocks until the model is ready, the load fails or ctx ends.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		if m.IsReady() {
			return nil
		}
		return appErr.Startup(errors.New("model failed to load"))
	}
}

func (m *Manager) Close() error {
	h := m.handle.Load()
	if h == nil || h.Model == nil {
		return nil
	}
	return h.Model.Close()
}
