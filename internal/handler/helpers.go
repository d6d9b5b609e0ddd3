package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/clipembed/internal/pkg/errors"
	"github.com/xxxsen/clipembed/internal/pkg/response"
)

const notReadyDetail = "Model not initialized"

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	kind := appErr.KindOf(err)
	logger := logutil.GetLogger(c.Request.Context()).With(
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("kind", string(kind)),
	)

	var maxErr *http.MaxBytesError
	switch {
	case kind == appErr.KindNotReady:
		logger.Warn("request rejected, model not ready")
		response.Detail(c, http.StatusServiceUnavailable, notReadyDetail)
	case errors.As(err, &maxErr):
		logger.Warn("upload rejected", zap.Int64("limit", maxErr.Limit))
		response.Detail(c, http.StatusRequestEntityTooLarge, "file too large, max "+formatUploadLimit(maxErr.Limit))
	case kind == appErr.KindInvalid:
		logger.Warn("invalid request", zap.Error(err))
		response.Detail(c, http.StatusUnprocessableEntity, err.Error())
	default:
		logger.Error("embedding failed", zap.Error(err))
		response.Detail(c, http.StatusInternalServerError, err.Error())
	}
}
