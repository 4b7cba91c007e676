package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"docpipe-go/internal/model"
	"docpipe-go/internal/pipeline"
	"docpipe-go/pkg/database"
)

// ChunkRepository 定义了分块缓冲表、向量缓冲表与终表的数据操作接口。
type ChunkRepository interface {
	ListChunkBuffers(ctx context.Context, documentID, chunkerName, chunkerVersion string) ([]model.ChunkBuffer, error)
	ListVectorBuffers(ctx context.Context, documentID, chunkerName, chunkerVersion string) ([]model.VectorBuffer, error)
	PromoteChunkBuffers(ctx context.Context, documentID, chunkerName, chunkerVersion string, chunks []*model.DocumentChunk) error
	AttachVectors(ctx context.Context, documentID, chunkerName, chunkerVersion string, attaches []pipeline.VectorAttach) error
	ListChunks(ctx context.Context, documentID, chunkerName, chunkerVersion string) ([]model.DocumentChunk, error)
	DeleteByDocument(ctx context.Context, documentID string) error
}

type chunkRepository struct {
	manager *database.Manager
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(manager *database.Manager) ChunkRepository {
	return &chunkRepository{manager: manager}
}

// ListChunkBuffers 按 ordinal 升序返回指定分块器版本下的缓冲行。
func (r *chunkRepository) ListChunkBuffers(ctx context.Context, documentID, chunkerName, chunkerVersion string) ([]model.ChunkBuffer, error) {
	buffers := make([]model.ChunkBuffer, 0)
	err := r.manager.DB(ctx).
		Where("document_id = ? AND chunker_name = ? AND chunker_version = ?", documentID, chunkerName, chunkerVersion).
		Order("ordinal ASC").
		Find(&buffers).Error
	if err != nil {
		return nil, err
	}
	return buffers, nil
}

// ListVectorBuffers 按 ordinal 升序返回指定分块器版本下的向量缓冲行。
func (r *chunkRepository) ListVectorBuffers(ctx context.Context, documentID, chunkerName, chunkerVersion string) ([]model.VectorBuffer, error) {
	buffers := make([]model.VectorBuffer, 0)
	err := r.manager.DB(ctx).
		Where("document_id = ? AND chunker_name = ? AND chunker_version = ?", documentID, chunkerName, chunkerVersion).
		Order("ordinal ASC").
		Find(&buffers).Error
	if err != nil {
		return nil, err
	}
	return buffers, nil
}

// PromoteChunkBuffers 在一个事务内把分块写入终表并清空对应缓冲行。
// chunk_id 是确定性派生的主键，重复提升命中同一行，覆盖写内容即可。
func (r *chunkRepository) PromoteChunkBuffers(ctx context.Context, documentID, chunkerName, chunkerVersion string, chunks []*model.DocumentChunk) error {
	if len(chunks) == 0 {
		return fmt.Errorf("没有可提升的分块")
	}
	return r.manager.Transaction(ctx, func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chunk_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
		}).CreateInBatches(chunks, 100).Error
		if err != nil {
			return fmt.Errorf("分块写入终表失败: %w", err)
		}

		err = tx.Where("document_id = ? AND chunker_name = ? AND chunker_version = ?", documentID, chunkerName, chunkerVersion).
			Delete(&model.ChunkBuffer{}).Error
		if err != nil {
			return fmt.Errorf("清理分块缓冲失败: %w", err)
		}
		return nil
	})
}

// AttachVectors 把缓冲的向量挂载到终表分块行上，随后清空向量缓冲。
// 挂载前先核对终表行数，缓冲指向不存在的分块说明上下游数据不一致，
// 直接报错交由重试与失败路径处理。
func (r *chunkRepository) AttachVectors(ctx context.Context, documentID, chunkerName, chunkerVersion string, attaches []pipeline.VectorAttach) error {
	if len(attaches) == 0 {
		return fmt.Errorf("没有可挂载的向量")
	}

	ids := make([]string, 0, len(attaches))
	for _, a := range attaches {
		ids = append(ids, a.ChunkID)
	}
	var present int64
	err := r.manager.FetchVal(ctx, &present,
		"SELECT COUNT(*) FROM document_chunks WHERE document_id = ? AND chunk_id IN ?", documentID, ids)
	if err != nil {
		return fmt.Errorf("核对终表分块失败: %w", err)
	}
	if present != int64(len(attaches)) {
		return fmt.Errorf("向量缓冲指向不存在的分块: 期望 %d 行, 实际 %d 行", len(attaches), present)
	}

	now := time.Now()
	argSets := make([][]interface{}, 0, len(attaches))
	for _, a := range attaches {
		argSets = append(argSets, []interface{}{a.Embedding, a.ModelVersion, now, a.ChunkID})
	}
	err = r.manager.ExecuteMany(ctx,
		"UPDATE document_chunks SET embedding = ?, model_version = ?, updated_at = ? WHERE chunk_id = ?", argSets)
	if err != nil {
		return fmt.Errorf("向量挂载失败: %w", err)
	}

	// 挂载已提交，缓冲清理失败只会导致下一次重复挂载同样的向量
	_, err = r.manager.Execute(ctx,
		"DELETE FROM document_vector_buffer WHERE document_id = ? AND chunker_name = ? AND chunker_version = ?",
		documentID, chunkerName, chunkerVersion)
	if err != nil {
		return fmt.Errorf("清理向量缓冲失败: %w", err)
	}
	return nil
}

// ListChunks 按 ordinal 升序返回指定分块器版本下的终表分块。
func (r *chunkRepository) ListChunks(ctx context.Context, documentID, chunkerName, chunkerVersion string) ([]model.DocumentChunk, error) {
	chunks := make([]model.DocumentChunk, 0)
	err := r.manager.DB(ctx).
		Where("document_id = ? AND chunker_name = ? AND chunker_version = ?", documentID, chunkerName, chunkerVersion).
		Order("ordinal ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// DeleteByDocument 删除文档名下的全部分块与缓冲行，用于整文档清理。
func (r *chunkRepository) DeleteByDocument(ctx context.Context, documentID string) error {
	return r.manager.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&model.ChunkBuffer{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", documentID).Delete(&model.VectorBuffer{}).Error; err != nil {
			return err
		}
		return tx.Where("document_id = ?", documentID).Delete(&model.DocumentChunk{}).Error
	})
}
