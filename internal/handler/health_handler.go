package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/clipembed/internal/pkg/response"
)

type HealthChecker interface {
	Health() (string, bool)
}

type HealthHandler struct {
	checker HealthChecker
}

type HealthResponse struct {
	Status string `json:"status"`
	Device string `json:"device,omitempty"`
}

func NewHealthHandler(checker HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

func (h *HealthHandler) Health(c *gin.Context) {
	device, ok := h.checker.Health()
	if !ok {
		response.JSON(c, http.StatusOK, HealthResponse{Status: "loading"})
		return
	}
	response.JSON(c, http.StatusOK, HealthResponse{Status: "ok", Device: device})
}
