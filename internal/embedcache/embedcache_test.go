package embedcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/clipembed/internal/model"
)

type countingEncoder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingEncoder) Encode(ctx context.Context, modality model.Modality, payload []byte) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	out := make([]float32, model.EmbeddingDim)
	out[0] = float32(len(payload))
	return out, nil
}

func (c *countingEncoder) ModelName() string { return model.ModelArch }

type memRepo struct {
	items   map[string][]float32
	getErr  error
	saveErr error
	saves   int
}

func (m *memRepo) Get(ctx context.Context, modelName, modality, contentHash string) ([]float32, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.items[modelName+modality+contentHash]
	return v, ok, nil
}

func (m *memRepo) Save(ctx context.Context, item *model.EmbeddingCache) error {
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.items[item.ModelName+item.Modality+item.ContentHash] = item.Embedding
	return nil
}

func TestLruEncoder(t *testing.T) {
	next := &countingEncoder{}
	enc := WrapLruCacheToEncoder(next, 8, time.Minute)
	require.Equal(t, model.ModelArch, enc.ModelName())

	a, err := enc.Encode(context.Background(), model.ModalityText, []byte("cat"))
	require.NoError(t, err)
	a[1] = 42

	b, err := enc.Encode(context.Background(), model.ModalityText, []byte("cat"))
	require.NoError(t, err)
	require.Equal(t, 1, next.calls)
	require.Equal(t, float32(0), b[1])

	_, err = enc.Encode(context.Background(), model.ModalityImage, []byte("cat"))
	require.NoError(t, err)
	require.Equal(t, 2, next.calls)
}

func TestLruEncoder_ErrorsNotCached(t *testing.T) {
	next := &countingEncoder{err: errors.New("boom")}
	enc := WrapLruCacheToEncoder(next, 8, time.Minute)
	_, err := enc.Encode(context.Background(), model.ModalityText, []byte("cat"))
	require.Error(t, err)
	_, err = enc.Encode(context.Background(), model.ModalityText, []byte("cat"))
	require.Error(t, err)
	require.Equal(t, 2, next.calls)
}

func TestLruEncoder_Disabled(t *testing.T) {
	next := &countingEncoder{}
	require.Same(t, next, WrapLruCacheToEncoder(next, 0, time.Minute))
	require.Same(t, next, WrapDBCacheToEncoder(next, nil))
}

func TestDBEncoder(t *testing.T) {
	next := &countingEncoder{}
	repo := &memRepo{items: map[string][]float32{}}
	enc := WrapDBCacheToEncoder(next, repo)

	_, err := enc.Encode(context.Background(), model.ModalityImage, []byte("img"))
	require.NoError(t, err)
	_, err = enc.Encode(context.Background(), model.ModalityImage, []byte("img"))
	require.NoError(t, err)
	require.Equal(t, 1, next.calls)
	require.Equal(t, 1, repo.saves)
}

func TestDBEncoder_RepoFailuresAreMisses(t *testing.T) {
	next := &countingEncoder{}
	repo := &memRepo{items: map[string][]float32{}, getErr: errors.New("conn refused"), saveErr: errors.New("conn refused")}
	enc := WrapDBCacheToEncoder(next, repo)

	res, err := enc.Encode(context.Background(), model.ModalityText, []byte("cat"))
	require.NoError(t, err)
	require.Len(t, res, model.EmbeddingDim)
	require.Equal(t, 1, next.calls)
}

func TestBuildCacheKey(t *testing.T) {
	key, hash, name := buildCacheKey(" ", model.ModalityText, []byte("abc"))
	require.Equal(t, "unknown", name)
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hash)
	require.Equal(t, "embed:unknown:text:"+hash, key)
}

func TestObserverSeesLookups(t *testing.T) {
	var got []string
	obs := func(layer string, hit bool) {
		got = append(got, fmt.Sprintf("%s:%v", layer, hit))
	}
	repo := &memRepo{items: map[string][]float32{}}
	enc := WrapLruCacheToEncoder(WrapDBCacheToEncoder(&countingEncoder{}, repo, obs), 8, time.Minute, obs)

	_, err := enc.Encode(context.Background(), model.ModalityText, []byte("dog"))
	require.NoError(t, err)
	_, err = enc.Encode(context.Background(), model.ModalityText, []byte("dog"))
	require.NoError(t, err)
	require.Equal(t, []string{"lru:false", "db:false", "lru:true"}, got)
}
