package encoder

import (
	"context"
	"fmt"

	"github.com/xxxsen/clipembed/internal/clip"
	"github.com/xxxsen/clipembed/internal/lifecycle"
	"github.com/xxxsen/clipembed/internal/model"
	appErr "github.com/xxxsen/clipembed/internal/pkg/errors"
)

// Encoder turns a payload of the given modality into a normalized embedding.
type Encoder interface {
	Encode(ctx context.Context, modality model.Modality, payload []byte) ([]float32, error)
	ModelName() string
}

type HandleSource interface {
	Handle() (*lifecycle.Handle, bool)
}

type modelEncoder struct {
	handles HandleSource
}

func New(handles HandleSource) Encoder {
	return &modelEncoder{handles: handles}
}

func (e *modelEncoder) ModelName() string {
	return model.ModelArch
}

func (e *modelEncoder) Encode(ctx context.Context, modality model.Modality, payload []byte) ([]float32, error) {
	h, ok := e.handles.Handle()
	if !ok {
		return nil, appErr.ErrNotReady
	}
	var (
		features []float32
		err      error
	)
	switch modality {
	case model.ModalityImage:
		features, err = encodeImage(ctx, h, payload)
	case model.ModalityText:
		features, err = encodeText(ctx, h, string(payload))
	default:
		return nil, appErr.Invalid(fmt.Errorf("unsupported modality: %s", modality))
	}
	if err != nil {
		return nil, err
	}
	return finish(h, features)
}

func encodeImage(ctx context.Context, h *lifecycle.Handle, data []byte) ([]float32, error) {
	pixels, err := h.Preprocessor.Preprocess(data)
	if err != nil {
		return nil, appErr.Decode(err)
	}
	features, err := h.Model.EncodeImage(ctx, pixels)
	if err != nil {
		return nil, appErr.Inference(err)
	}
	return features, nil
}

func encodeText(ctx context.Context, h *lifecycle.Handle, text string) ([]float32, error) {
	tokens, err := h.Tokenizer.Encode(text, h.ContextLength)
	if err != nil {
		return nil, appErr.Decode(err)
	}
	features, err := h.Model.EncodeText(ctx, tokens)
	if err != nil {
		return nil, appErr.Inference(err)
	}
	return features, nil
}

// finish enforces the output contract: one sample of h.Dim values, unit norm.
func finish(h *lifecycle.Handle, features []float32) ([]float32, error) {
	if len(features) != h.Dim {
		return nil, appErr.Inference(fmt.Errorf("unexpected feature size %d, want %d", len(features), h.Dim))
	}
	out, err := clip.L2Normalize(features)
	if err != nil {
		return nil, appErr.Inference(err)
	}
	return out, nil
}
