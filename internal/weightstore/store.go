package weightstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/clipembed/internal/config"
)

// Source copies a named weight file into w.
type Source interface {
	Type() string
	Fetch(ctx context.Context, name string, w io.Writer) error
}

type Factory func(args interface{}) (Source, error)

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

// New returns a nil Source when no source type is configured.
func New(cfg config.SourceConfig) (Source, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Type))
	if key == "" {
		return nil, nil
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported weight source type: %s", cfg.Type)
	}
	return factory(cfg.Data)
}

// Ensure makes every file in names present in dir. Files already on disk are
// left alone; missing ones are fetched from src into a temp file and renamed
// into place, so dir never holds a partial file.
func Ensure(ctx context.Context, src Source, dir string, names []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	logger := logutil.GetLogger(ctx).With(zap.String("dir", dir))
	for _, name := range names {
		if err := validName(name); err != nil {
			return err
		}
		dst := filepath.Join(dir, name)
		if info, err := os.Stat(dst); err == nil && info.Size() > 0 {
			logger.Debug("weight file cached", zap.String("file", name))
			continue
		}
		if src == nil {
			return fmt.Errorf("weight file %s missing in %s and no source configured", name, dir)
		}
		logger.Info("fetching weight file", zap.String("file", name), zap.String("source", src.Type()))
		if err := fetchFile(ctx, src, name, dst); err != nil {
			return fmt.Errorf("fetch %s: %w", name, err)
		}
	}
	return nil
}

func fetchFile(ctx context.Context, src Source, name, dst string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+name+".*.part")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := src.Fetch(ctx, name, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	info, err := os.Stat(tmpName)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("source returned empty file")
	}
	return os.Rename(tmpName, dst)
}

func validName(name string) error {
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "\\") || name == "." || name == ".." {
		return fmt.Errorf("invalid weight file name: %q", name)
	}
	return nil
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("source config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode source config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode source config: %w", err)
	}
	return nil
}
