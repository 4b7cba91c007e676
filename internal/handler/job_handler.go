package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"docpipe-go/internal/service"
	"docpipe-go/pkg/log"
)

// JobHandler 负责处理任务查询与补发相关的 API 请求。
type JobHandler struct {
	jobService service.JobService
}

// NewJobHandler 创建一个新的 JobHandler 实例。
func NewJobHandler(jobService service.JobService) *JobHandler {
	return &JobHandler{jobService: jobService}
}

// Get 处理获取任务详情的请求。
func (h *JobHandler) Get(c *gin.Context) {
	jobID := c.Param("job_id")

	dto, err := h.jobService.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
			return
		}
		log.Error("Get: failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取任务详情失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "获取任务详情成功",
		"data":    dto,
	})
}

// Redispatch 处理任务补发请求，按任务当前状态重新派发对应阶段的动作。
func (h *JobHandler) Redispatch(c *gin.Context) {
	jobID := c.Param("job_id")

	dto, err := h.jobService.Redispatch(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		case errors.Is(err, service.ErrJobTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": "任务已处于终态，无法补发"})
		default:
			log.Error("Redispatch: failed", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "任务补发失败"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "任务已补发",
		"data":    dto,
	})
}
