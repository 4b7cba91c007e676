// Package parser 提供了与外部文档解析服务交互的客户端。
//
// 解析是异步的：提交时带上原始文件的预签名下载地址、回调地址与每任务
// 密钥，解析服务完成后回调 POST /webhook/parse/{job_id}，载荷结构见
// payload.go。
package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"docpipe-go/internal/config"
)

// SubmitRequest 是提交解析任务的载荷。
type SubmitRequest struct {
	JobID         string `json:"job_id"`
	FileURL       string `json:"file_url"`
	FileName      string `json:"file_name"`
	MimeType      string `json:"mime_type"`
	CallbackURL   string `json:"callback_url"`
	WebhookSecret string `json:"webhook_secret"`
}

// SubmitResponse 是解析服务返回的受理结果。
type SubmitResponse struct {
	ParseID string `json:"parse_id"`
	Status  string `json:"status"`
}

// Client 是解析服务的客户端。
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient 创建一个新的解析服务客户端实例。
func NewClient(cfg config.ParserConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Submit 提交一个异步解析任务，返回解析服务的受理凭据。
func (c *Client) Submit(ctx context.Context, submitReq SubmitRequest) (*SubmitResponse, error) {
	data, err := json.Marshal(submitReq)
	if err != nil {
		return nil, fmt.Errorf("序列化解析请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/parse", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用解析服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("解析服务返回错误 [%d]: %s", resp.StatusCode, string(body))
	}

	var submitResp SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitResp); err != nil {
		return nil, fmt.Errorf("读取解析服务响应失败: %w", err)
	}
	return &submitResp, nil
}

// DetectMimeType 根据文件扩展名判断 Content-Type。
func DetectMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		// fallback 默认
		return "application/octet-stream"
	}
	return mimeType
}
