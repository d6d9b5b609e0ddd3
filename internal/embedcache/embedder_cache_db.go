package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/clipembed/internal/encoder"
	"github.com/xxxsen/clipembed/internal/model"
)

type CacheRepo interface {
	Get(ctx context.Context, modelName, modality, contentHash string) ([]float32, bool, error)
	Save(ctx context.Context, item *model.EmbeddingCache) error
}

func WrapDBCacheToEncoder(e encoder.Encoder, cacheRepo CacheRepo, obs ...Observer) encoder.Encoder {
	if e == nil || cacheRepo == nil {
		return e
	}
	return &dbEncoder{next: e, repo: cacheRepo, observe: firstObserver(obs)}
}

type dbEncoder struct {
	next    encoder.Encoder
	repo    CacheRepo
	observe Observer
}

// Cache read and write failures are logged and treated as misses.
func (d *dbEncoder) Encode(ctx context.Context, modality model.Modality, payload []byte) ([]float32, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("modality", string(modality)))
	_, contentHash, modelName := buildCacheKey(d.next.ModelName(), modality, payload)
	values, ok, err := d.repo.Get(ctx, modelName, string(modality), contentHash)
	if err != nil {
		logger.Warn("embedding cache lookup failed", zap.Error(err))
	}
	hit := ok && len(values) == model.EmbeddingDim
	d.observe("db", hit)
	if hit {
		logger.Debug("embedding cache hit (db)")
		return values, nil
	}
	res, err := d.next.Encode(ctx, modality, payload)
	if err != nil {
		return nil, err
	}
	if err := d.repo.Save(ctx, &model.EmbeddingCache{
		ModelName:   modelName,
		Modality:    string(modality),
		ContentHash: contentHash,
		Embedding:   res,
		Ctime:       time.Now().Unix(),
	}); err != nil {
		logger.Warn("failed to cache embedding", zap.Error(err))
	}
	return res, nil
}

func (d *dbEncoder) ModelName() string {
	return d.next.ModelName()
}

func buildCacheKey(modelName string, modality model.Modality, payload []byte) (string, string, string) {
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		modelName = "unknown"
	}
	hash := sha256.Sum256(payload)
	contentHash := hex.EncodeToString(hash[:])
	return "embed:" + modelName + ":" + string(modality) + ":" + contentHash, contentHash, modelName
}
