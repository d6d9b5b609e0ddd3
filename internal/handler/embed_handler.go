package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/xxxsen/clipembed/internal/model"
	appErr "github.com/xxxsen/clipembed/internal/pkg/errors"
	"github.com/xxxsen/clipembed/internal/pkg/response"
)

type Embedder interface {
	IsReady() bool
	EmbedImage(ctx context.Context, data []byte) ([]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

type EmbedHandler struct {
	embedder    Embedder
	uploadLimit int64
}

// NewEmbedHandler builds the embedding endpoints. uploadLimit is in bytes and
// zero disables the check.
func NewEmbedHandler(embedder Embedder, uploadLimit int64) *EmbedHandler {
	return &EmbedHandler{embedder: embedder, uploadLimit: uploadLimit}
}

type textRequest struct {
	Text *string `json:"text"`
}

func (h *EmbedHandler) EmbedImage(c *gin.Context) {
	if !h.embedder.IsReady() {
		handleError(c, appErr.ErrNotReady)
		return
	}
	if h.uploadLimit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.uploadLimit)
	}
	data, err := h.readUpload(c, "file")
	if err != nil {
		handleError(c, err)
		return
	}
	vec, err := h.embedder.EmbedImage(c.Request.Context(), data)
	if err != nil {
		handleError(c, err)
		return
	}
	response.JSON(c, http.StatusOK, model.EmbeddingResponse{Embedding: vec})
}

func (h *EmbedHandler) EmbedText(c *gin.Context) {
	if !h.embedder.IsReady() {
		handleError(c, appErr.ErrNotReady)
		return
	}
	text, err := readText(c)
	if err != nil {
		handleError(c, err)
		return
	}
	vec, err := h.embedder.EmbedText(c.Request.Context(), text)
	if err != nil {
		handleError(c, err)
		return
	}
	response.JSON(c, http.StatusOK, model.EmbeddingResponse{Embedding: vec})
}

func (h *EmbedHandler) readUpload(c *gin.Context, field string) ([]byte, error) {
	header, err := c.FormFile(field)
	if err != nil {
		if h.tooLarge(err) {
			return nil, err
		}
		return nil, appErr.Invalid(fmt.Errorf("field required: %s", field))
	}
	file, err := header.Open()
	if err != nil {
		return nil, appErr.Invalid(fmt.Errorf("open upload: %w", err))
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, appErr.Invalid(fmt.Errorf("read upload: %w", err))
	}
	return data, nil
}

func (h *EmbedHandler) tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return h.uploadLimit > 0 && errors.As(err, &maxErr)
}

// readText accepts the query string first, then a form field, then a JSON body.
func readText(c *gin.Context) (string, error) {
	if text, ok := c.GetQuery("text"); ok {
		return text, nil
	}
	if strings.HasPrefix(c.ContentType(), binding.MIMEJSON) {
		var req textRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return "", appErr.Invalid(fmt.Errorf("invalid json body: %w", err))
		}
		if req.Text == nil {
			return "", appErr.Invalid(errors.New("field required: text"))
		}
		return *req.Text, nil
	}
	if text, ok := c.GetPostForm("text"); ok {
		return text, nil
	}
	return "", appErr.Invalid(errors.New("field required: text"))
}
