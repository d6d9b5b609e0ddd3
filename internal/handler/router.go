package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type RouterDeps struct {
	Health  *HealthHandler
	Embed   *EmbedHandler
	Metrics http.Handler
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.GET("/health", deps.Health.Health)
	api.POST("/embed", deps.Embed.EmbedImage)
	api.POST("/embed_text", deps.Embed.EmbedText)
	if deps.Metrics != nil {
		api.GET("/metrics", gin.WrapH(deps.Metrics))
	}
}
