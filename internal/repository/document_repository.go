// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"docpipe-go/internal/model"
	"docpipe-go/pkg/database"
)

// DocumentSummary 是文档查询的投影，附带已提升的分块数。
type DocumentSummary struct {
	DocumentID       string          `gorm:"column:document_id" json:"documentId"`
	UserID           string          `gorm:"column:user_id" json:"userId"`
	Filename         string          `gorm:"column:filename" json:"filename"`
	Mime             string          `gorm:"column:mime" json:"mime"`
	BytesLen         int64           `gorm:"column:bytes_len" json:"bytesLen"`
	FileSHA256       string          `gorm:"column:file_sha256" json:"fileSha256"`
	RawPath          string          `gorm:"column:raw_path" json:"rawPath"`
	ParsedPath       *string         `gorm:"column:parsed_path" json:"parsedPath"`
	ParsedSHA256     *string         `gorm:"column:parsed_sha256" json:"parsedSha256"`
	ProcessingStatus model.JobStatus `gorm:"column:processing_status" json:"processingStatus"`
	ChunkCount       int64           `gorm:"column:chunk_count" json:"chunkCount"`
	CreatedAt        time.Time       `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt        time.Time       `gorm:"column:updated_at" json:"updatedAt"`
}

// DocumentRepository 定义了 documents 表的数据操作接口。
type DocumentRepository interface {
	Upsert(ctx context.Context, doc *model.Document) error
	GetByID(ctx context.Context, documentID string) (*model.Document, error)
	GetSummary(ctx context.Context, documentID string) (*DocumentSummary, error)
	ListSummariesByUser(ctx context.Context, userID string) ([]DocumentSummary, error)
	Delete(ctx context.Context, documentID string) error
}

type documentRepository struct {
	manager *database.Manager
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(manager *database.Manager) DocumentRepository {
	return &documentRepository{manager: manager}
}

// Upsert 依主键写入文档行。document_id 由 (user_id, file_sha256) 派生，
// 重复上传命中既有行时只刷新元数据，processing_status 交由任务创建时
// 在行锁内统一拨回，避免在存在活跃任务时覆盖状态镜像。
func (r *documentRepository) Upsert(ctx context.Context, doc *model.Document) error {
	return r.manager.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"filename", "mime", "bytes_len", "raw_path", "updated_at",
		}),
	}).Create(doc).Error
}

// GetByID 按主键查询文档，不存在时返回 gorm.ErrRecordNotFound。
func (r *documentRepository) GetByID(ctx context.Context, documentID string) (*model.Document, error) {
	var doc model.Document
	if err := r.manager.DB(ctx).Where("document_id = ?", documentID).First(&doc).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

const documentSummarySQL = `
SELECT d.document_id, d.user_id, d.filename, d.mime, d.bytes_len, d.file_sha256,
       d.raw_path, d.parsed_path, d.parsed_sha256, d.processing_status,
       d.created_at, d.updated_at, COUNT(c.chunk_id) AS chunk_count
FROM documents d
LEFT JOIN document_chunks c ON c.document_id = d.document_id`

// GetSummary 查询单个文档及其分块数，不存在时返回 gorm.ErrRecordNotFound。
func (r *documentRepository) GetSummary(ctx context.Context, documentID string) (*DocumentSummary, error) {
	var summary DocumentSummary
	sql := documentSummarySQL + " WHERE d.document_id = ? GROUP BY d.document_id"
	if err := r.manager.FetchRow(ctx, &summary, sql, documentID); err != nil {
		return nil, err
	}
	return &summary, nil
}

// ListSummariesByUser 按创建时间倒序返回某用户的全部文档。
func (r *documentRepository) ListSummariesByUser(ctx context.Context, userID string) ([]DocumentSummary, error) {
	summaries := make([]DocumentSummary, 0)
	sql := documentSummarySQL + " WHERE d.user_id = ? GROUP BY d.document_id ORDER BY d.created_at DESC"
	if err := r.manager.Fetch(ctx, &summaries, sql, userID); err != nil {
		return nil, err
	}
	return summaries, nil
}

// Delete 在一个事务内删除文档行及其名下全部任务行。
// 分块与缓冲行由 ChunkRepository.DeleteByDocument 负责。
func (r *documentRepository) Delete(ctx context.Context, documentID string) error {
	return r.manager.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&model.UploadJob{}).Error; err != nil {
			return err
		}
		return tx.Where("document_id = ?", documentID).Delete(&model.Document{}).Error
	})
}
