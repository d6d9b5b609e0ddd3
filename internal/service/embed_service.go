package service

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/clipembed/internal/encoder"
	"github.com/xxxsen/clipembed/internal/metrics"
	"github.com/xxxsen/clipembed/internal/model"
	appErr "github.com/xxxsen/clipembed/internal/pkg/errors"
)

type Readiness interface {
	IsReady() bool
	Device() string
}

type EmbedService struct {
	ready   Readiness
	encoder encoder.Encoder
	metrics *metrics.Metrics
}

func NewEmbedService(ready Readiness, enc encoder.Encoder, m *metrics.Metrics) *EmbedService {
	return &EmbedService{ready: ready, encoder: enc, metrics: m}
}

// Health returns the device once the model is ready.
func (s *EmbedService) Health() (string, bool) {
	if !s.ready.IsReady() {
		return "", false
	}
	return s.ready.Device(), true
}

func (s *EmbedService) IsReady() bool {
	return s.ready.IsReady()
}

func (s *EmbedService) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	return s.embed(ctx, model.ModalityImage, data)
}

func (s *EmbedService) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return s.embed(ctx, model.ModalityText, []byte(text))
}

func (s *EmbedService) embed(ctx context.Context, modality model.Modality, payload []byte) ([]float32, error) {
	if !s.ready.IsReady() {
		return nil, appErr.ErrNotReady
	}
	start := time.Now()
	vec, err := s.encoder.Encode(ctx, modality, payload)
	s.metrics.ObserveEmbedding(string(modality), start, err)
	if err != nil {
		return nil, err
	}
	logutil.GetLogger(ctx).Debug("embedding generated",
		zap.String("modality", string(modality)),
		zap.Int("payload_size", len(payload)),
		zap.Duration("duration", time.Since(start)),
	)
	return vec, nil
}
