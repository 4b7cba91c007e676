package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"docpipe-go/internal/service"
	"docpipe-go/pkg/log"
)

// WebhookHandler 负责接收外部解析服务的完成回调。
type WebhookHandler struct {
	ingestService service.IngestService
	jobService    service.JobService
}

// NewWebhookHandler 创建一个新的 WebhookHandler 实例。
func NewWebhookHandler(ingestService service.IngestService, jobService service.JobService) *WebhookHandler {
	return &WebhookHandler{ingestService: ingestService, jobService: jobService}
}

// HandleParseCallback 处理解析完成回调。签名在原始字节上校验，
// 任何 5xx 响应都会促使上游重新投递，摄取逻辑对重复投递幂等。
func (h *WebhookHandler) HandleParseCallback(c *gin.Context) {
	jobID := c.Param("job_id")

	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "读取请求体失败"})
		return
	}
	signature := c.GetHeader("X-Webhook-Signature")

	result, err := h.ingestService.HandleParseCallback(c.Request.Context(), jobID, rawBody, signature)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		case errors.Is(err, service.ErrUnauthorized):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "回调签名校验失败"})
		case errors.Is(err, service.ErrInvalidPayload):
			c.JSON(http.StatusBadRequest, gin.H{"error": "回调载荷无法解析"})
		default:
			log.Error("HandleParseCallback: failed", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "回调处理失败"})
		}
		return
	}

	// 解析入库成功后异步派发分块，失败只记录，任务停在 parsed 可补发
	if result.Outcome == service.IngestApplied {
		go h.dispatchChunking(result.JobID)
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": ingestMessage(result.Outcome),
		"data":    result,
	})
}

func (h *WebhookHandler) dispatchChunking(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.jobService.DispatchChunking(ctx, jobID); err != nil {
		log.Errorw("[Webhook] 解析完成后的分块派发失败", "job_id", jobID, "error", err)
	}
}

func ingestMessage(outcome service.IngestOutcome) string {
	switch outcome {
	case service.IngestApplied:
		return "解析结果已入库"
	case service.IngestAlreadyProcessed:
		return "重复投递，已处理过"
	case service.IngestUpstreamFailed:
		return "已记录解析服务上报的失败"
	case service.IngestContentMissing:
		return "解析结果为空，任务已标记失败"
	case service.IngestStorageFailed:
		return "解析产物存储失败，任务已标记失败"
	default:
		return "回调已受理"
	}
}
