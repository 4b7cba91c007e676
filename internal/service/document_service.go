// Package service 包含了应用的业务逻辑层。
package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"docpipe-go/internal/config"
	"docpipe-go/internal/identity"
	"docpipe-go/internal/model"
	"docpipe-go/internal/repository"
	"docpipe-go/pkg/log"
	"docpipe-go/pkg/storage"
)

// UploadInput 是一次文档上传的入参。
type UploadInput struct {
	UserID   string
	Filename string
	Mime     string
	Content  []byte
}

// UploadResult 是上传接口的响应。Duplicate 表示本次上传命中了
// 既有文档（同一用户上传过相同内容），此时文档行被复用。
type UploadResult struct {
	Document  *model.Document  `json:"document"`
	Job       *model.UploadJob `json:"job"`
	Duplicate bool             `json:"duplicate"`
}

// DownloadInfo 封装解析产物的临时下载信息。
type DownloadInfo struct {
	FileName     string `json:"fileName"`
	DownloadURL  string `json:"downloadUrl"`
	ParsedSHA256 string `json:"parsedSha256"`
}

// DocumentService 接口定义了文档生命周期管理的业务操作。
type DocumentService interface {
	Upload(ctx context.Context, input UploadInput) (*UploadResult, error)
	ListByUser(ctx context.Context, userID string) ([]repository.DocumentSummary, error)
	Get(ctx context.Context, documentID string) (*repository.DocumentSummary, error)
	ParsedContentURL(ctx context.Context, documentID string) (*DownloadInfo, error)
	ListChunks(ctx context.Context, documentID string) ([]model.DocumentChunk, error)
	ListJobs(ctx context.Context, documentID string) ([]model.UploadJob, error)
	Delete(ctx context.Context, documentID string) error
}

type documentService struct {
	docRepo   repository.DocumentRepository
	jobRepo   repository.JobRepository
	chunkRepo repository.ChunkRepository
	jobs      JobService
	store     BlobStore
	index     ChunkIndex
	pipeCfg   config.PipelineConfig
}

// NewDocumentService 创建一个新的 DocumentService 实例。
func NewDocumentService(docRepo repository.DocumentRepository, jobRepo repository.JobRepository,
	chunkRepo repository.ChunkRepository, jobs JobService, store BlobStore, index ChunkIndex,
	pipeCfg config.PipelineConfig) DocumentService {
	return &documentService{
		docRepo:   docRepo,
		jobRepo:   jobRepo,
		chunkRepo: chunkRepo,
		jobs:      jobs,
		store:     store,
		index:     index,
		pipeCfg:   pipeCfg,
	}
}

// Upload 接收原始内容并启动一条处理流水线：内容寻址派生 document_id，
// 原始字节写入对象存储，创建任务后立即派发解析。
// 同一文档存在活跃任务时拒绝，避免并发重复处理。
func (s *documentService) Upload(ctx context.Context, input UploadInput) (*UploadResult, error) {
	if len(input.Content) == 0 {
		return nil, ErrEmptyFile
	}

	sum := sha256.Sum256(input.Content)
	fileSHA := hex.EncodeToString(sum[:])

	documentID, err := identity.DocumentID(input.UserID, fileSHA)
	if err != nil {
		return nil, fmt.Errorf("派生文档标识失败: %w", err)
	}

	duplicate := false
	if _, err := s.docRepo.GetByID(ctx, documentID); err == nil {
		duplicate = true
		log.Infow("[DocumentUpload] 命中既有文档，复用文档行",
			"document_id", documentID, "user_id", input.UserID)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查询既有文档失败: %w", err)
	}

	rawKey := storage.RawObjectKey(input.UserID, documentID, input.Filename)
	if err := s.store.Put(ctx, rawKey, bytes.NewReader(input.Content), int64(len(input.Content)), input.Mime); err != nil {
		return nil, fmt.Errorf("原始内容写入对象存储失败: %w", err)
	}

	doc := &model.Document{
		DocumentID:       documentID,
		UserID:           input.UserID,
		Filename:         input.Filename,
		Mime:             input.Mime,
		BytesLen:         int64(len(input.Content)),
		FileSHA256:       fileSHA,
		RawPath:          rawKey,
		ProcessingStatus: model.StatusQueued,
	}
	if err := s.docRepo.Upsert(ctx, doc); err != nil {
		return nil, fmt.Errorf("写入文档记录失败: %w", err)
	}

	secret, err := identity.WebhookSecret()
	if err != nil {
		return nil, fmt.Errorf("生成回调密钥失败: %w", err)
	}
	job := &model.UploadJob{
		JobID:         identity.JobID(),
		DocumentID:    documentID,
		Status:        model.StatusQueued,
		State:         model.StateQueued,
		WebhookSecret: secret,
	}
	if err := s.jobRepo.CreateForDocument(ctx, job); err != nil {
		if errors.Is(err, repository.ErrActiveJobExists) {
			return nil, ErrJobActive
		}
		return nil, fmt.Errorf("创建处理任务失败: %w", err)
	}

	// 派发失败不取消上传：任务已按失败原因落库，可查可补发
	if err := s.jobs.DispatchParse(ctx, job.JobID); err != nil {
		log.Errorw("[DocumentUpload] 解析派发失败", "job_id", job.JobID, "error", err)
	}
	if refreshed, err := s.jobRepo.GetByID(ctx, job.JobID); err == nil {
		job = refreshed
	}

	log.Infow("[DocumentUpload] 上传已受理",
		"document_id", documentID, "job_id", job.JobID, "user_id", input.UserID,
		"bytes", len(input.Content), "duplicate", duplicate)
	return &UploadResult{Document: doc, Job: job, Duplicate: duplicate}, nil
}

// ListByUser 返回某用户的全部文档概要。
func (s *documentService) ListByUser(ctx context.Context, userID string) ([]repository.DocumentSummary, error) {
	return s.docRepo.ListSummariesByUser(ctx, userID)
}

// Get 返回单个文档概要。
func (s *documentService) Get(ctx context.Context, documentID string) (*repository.DocumentSummary, error) {
	summary, err := s.docRepo.GetSummary(ctx, documentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	return summary, nil
}

// ParsedContentURL 生成解析产物的临时下载链接。
func (s *documentService) ParsedContentURL(ctx context.Context, documentID string) (*DownloadInfo, error) {
	doc, err := s.docRepo.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	if doc.ParsedPath == nil || *doc.ParsedPath == "" {
		return nil, ErrNotParsed
	}

	url, err := s.store.PresignedGetURL(ctx, *doc.ParsedPath, s.presignExpiry())
	if err != nil {
		return nil, fmt.Errorf("生成解析产物下载链接失败: %w", err)
	}

	return &DownloadInfo{
		FileName:     markdownName(doc.Filename),
		DownloadURL:  url,
		ParsedSHA256: derefString(doc.ParsedSHA256),
	}, nil
}

// ListChunks 返回当前分块器版本下的终表分块。
func (s *documentService) ListChunks(ctx context.Context, documentID string) ([]model.DocumentChunk, error) {
	if _, err := s.docRepo.GetByID(ctx, documentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	return s.chunkRepo.ListChunks(ctx, documentID, s.pipeCfg.ChunkerName, s.pipeCfg.ChunkerVersion)
}

// ListJobs 返回文档名下的全部处理任务。
func (s *documentService) ListJobs(ctx context.Context, documentID string) ([]model.UploadJob, error) {
	if _, err := s.docRepo.GetByID(ctx, documentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	return s.jobRepo.ListByDocument(ctx, documentID)
}

// Delete 删除文档及其全部派生数据：对象存储、检索镜像、分块与任务行。
// 存在活跃任务时拒绝删除，避免在途 worker 写入已删除的文档。
func (s *documentService) Delete(ctx context.Context, documentID string) error {
	doc, err := s.docRepo.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDocumentNotFound
		}
		return err
	}

	active, err := s.jobRepo.FindActiveByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("查询活跃任务失败: %w", err)
	}
	if active != nil {
		return ErrJobActive
	}

	// 对象与索引清理尽力而为，行删除才是权威动作
	if err := s.store.RemovePrefix(ctx, storage.DocumentPrefix(doc.UserID, documentID)); err != nil {
		log.Warnw("[DocumentDelete] 清理对象存储失败", "document_id", documentID, "error", err)
	}
	if err := s.index.DeleteByDocumentID(ctx, documentID); err != nil {
		log.Warnw("[DocumentDelete] 清理检索镜像失败", "document_id", documentID, "error", err)
	}

	if err := s.chunkRepo.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("删除分块记录失败: %w", err)
	}
	if err := s.docRepo.Delete(ctx, documentID); err != nil {
		return fmt.Errorf("删除文档记录失败: %w", err)
	}

	log.Infow("[DocumentDelete] 文档已删除", "document_id", documentID, "user_id", doc.UserID)
	return nil
}

func (s *documentService) presignExpiry() time.Duration {
	minutes := s.pipeCfg.PresignExpiryMinutes
	if minutes <= 0 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

// markdownName 把原始文件名的扩展名替换为 .md。
func markdownName(filename string) string {
	if i := strings.LastIndex(filename, "."); i > 0 {
		return filename[:i] + ".md"
	}
	return filename + ".md"
}
