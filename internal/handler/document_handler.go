// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"docpipe-go/internal/service"
	"docpipe-go/pkg/log"
	"docpipe-go/pkg/parser"
)

// DocumentHandler 负责处理所有与文档管理相关的 API 请求。
type DocumentHandler struct {
	docService service.DocumentService
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(docService service.DocumentService) *DocumentHandler {
	return &DocumentHandler{docService: docService}
}

// Upload 处理文档上传请求，multipart 表单的 file 字段携带文件内容，
// X-User-ID 请求头标识归属用户。
func (h *DocumentHandler) Upload(c *gin.Context) {
	userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 X-User-ID 请求头"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未能获取上传文件"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "打开上传文件失败"})
		return
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "读取上传文件失败"})
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = parser.DetectMimeType(fileHeader.Filename)
	}

	result, err := h.docService.Upload(c.Request.Context(), service.UploadInput{
		UserID:   userID,
		Filename: fileHeader.Filename,
		Mime:     mimeType,
		Content:  content,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyFile):
			c.JSON(http.StatusBadRequest, gin.H{"error": "上传内容为空"})
		case errors.Is(err, service.ErrJobActive):
			c.JSON(http.StatusConflict, gin.H{"error": "该文档已有处理中的任务，请等待其完成"})
		default:
			log.Error("Upload: failed", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "文档上传失败"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "上传成功，解析任务已派发",
		"data":    result,
	})
}

// List 处理获取用户文档列表的请求。
func (h *DocumentHandler) List(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 user_id 参数"})
		return
	}

	summaries, err := h.docService.ListByUser(c.Request.Context(), userID)
	if err != nil {
		log.Error("List: failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取文档列表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "获取文档列表成功",
		"data":    summaries,
	})
}

// Get 处理获取单个文档详情的请求。
func (h *DocumentHandler) Get(c *gin.Context) {
	documentID := c.Param("document_id")

	summary, err := h.docService.Get(c.Request.Context(), documentID)
	if err != nil {
		if errors.Is(err, service.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
			return
		}
		log.Error("Get: failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取文档详情失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "获取文档详情成功",
		"data":    summary,
	})
}

// ParsedContent 处理生成解析产物下载链接的请求。
func (h *DocumentHandler) ParsedContent(c *gin.Context) {
	documentID := c.Param("document_id")

	info, err := h.docService.ParsedContentURL(c.Request.Context(), documentID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDocumentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
		case errors.Is(err, service.ErrNotParsed):
			c.JSON(http.StatusConflict, gin.H{"error": "解析产物尚未生成"})
		default:
			log.Error("ParsedContent: failed", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "生成下载链接失败"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "解析产物下载链接生成成功",
		"data":    info,
	})
}

// ListChunks 处理获取文档分块列表的请求。
func (h *DocumentHandler) ListChunks(c *gin.Context) {
	documentID := c.Param("document_id")

	chunks, err := h.docService.ListChunks(c.Request.Context(), documentID)
	if err != nil {
		if errors.Is(err, service.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
			return
		}
		log.Error("ListChunks: failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取分块列表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "获取分块列表成功",
		"data":    chunks,
	})
}

// ListJobs 处理获取文档任务历史的请求。
func (h *DocumentHandler) ListJobs(c *gin.Context) {
	documentID := c.Param("document_id")

	jobs, err := h.docService.ListJobs(c.Request.Context(), documentID)
	if err != nil {
		if errors.Is(err, service.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
			return
		}
		log.Error("ListJobs: failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取任务列表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "获取任务列表成功",
		"data":    jobs,
	})
}

// Delete 处理删除文档的请求。
func (h *DocumentHandler) Delete(c *gin.Context) {
	documentID := c.Param("document_id")

	err := h.docService.Delete(c.Request.Context(), documentID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDocumentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
		case errors.Is(err, service.ErrJobActive):
			c.JSON(http.StatusConflict, gin.H{"error": "文档存在处理中的任务，暂不能删除"})
		default:
			log.Error("Delete: failed", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "文档删除失败"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "文档删除成功",
	})
}
