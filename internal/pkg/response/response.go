package response

import (
	"github.com/gin-gonic/gin"
)

type DetailBody struct {
	Detail string `json:"detail"`
}

func JSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// Detail aborts the chain with a {"detail": ...} body.
func Detail(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, DetailBody{Detail: detail})
}
