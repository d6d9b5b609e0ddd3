package embedcache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/clipembed/internal/encoder"
	"github.com/xxxsen/clipembed/internal/model"
)

func WrapLruCacheToEncoder(e encoder.Encoder, size int, ttl time.Duration, obs ...Observer) encoder.Encoder {
	if e == nil || size <= 0 || ttl <= 0 {
		return e
	}
	return &lruEncoder{
		next:    e,
		cache:   expirable.NewLRU[string, []float32](size, nil, ttl),
		observe: firstObserver(obs),
	}
}

type lruEncoder struct {
	next    encoder.Encoder
	cache   *expirable.LRU[string, []float32]
	observe Observer
}

func (l *lruEncoder) Encode(ctx context.Context, modality model.Modality, payload []byte) ([]float32, error) {
	cacheKey, _, _ := buildCacheKey(l.next.ModelName(), modality, payload)
	cached, ok := l.cache.Get(cacheKey)
	l.observe("lru", ok)
	if ok {
		logutil.GetLogger(ctx).Debug("embedding cache hit (lru)", zap.String("modality", string(modality)))
		return cloneEmbedding(cached), nil
	}
	res, err := l.next.Encode(ctx, modality, payload)
	if err != nil {
		return nil, err
	}
	l.cache.Add(cacheKey, cloneEmbedding(res))
	return res, nil
}

func (l *lruEncoder) ModelName() string {
	return l.next.ModelName()
}

func cloneEmbedding(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
