package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"docpipe-go/pkg/database"
)

// HealthHandler 提供存活探测接口。
type HealthHandler struct {
	manager *database.Manager
}

// NewHealthHandler 创建一个新的 HealthHandler 实例。
func NewHealthHandler(manager *database.Manager) *HealthHandler {
	return &HealthHandler{manager: manager}
}

// Check 检查数据库连通性并返回服务状态。
func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.manager.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据库不可达"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "ok",
	})
}
