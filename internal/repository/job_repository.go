package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"docpipe-go/internal/model"
	"docpipe-go/internal/pipeline"
	"docpipe-go/pkg/database"
)

// ErrActiveJobExists 表示目标文档已有未完结的任务。
var ErrActiveJobExists = errors.New("文档已存在活跃任务")

// 回调幂等标记的键前缀与保留时长。标记只是快路径，
// 过期后仍由数据库状态机兜底判重。
const (
	callbackAppliedKeyFormat = "docpipe:webhook:applied:%s"
	callbackAppliedTTL       = 24 * time.Hour
)

// JobRepository 定义了 upload_jobs 表的数据操作接口。
// 状态流转一律经由 Transition / TransitionChain，在行锁内完成
// CAS 校验，调用方不允许绕过状态机直接改写 status。
type JobRepository interface {
	CreateForDocument(ctx context.Context, job *model.UploadJob) error
	GetByID(ctx context.Context, jobID string) (*model.UploadJob, error)
	GetWithDocument(ctx context.Context, jobID string) (*model.UploadJob, *model.Document, error)
	FindActiveByDocument(ctx context.Context, documentID string) (*model.UploadJob, error)
	ListByDocument(ctx context.Context, documentID string) ([]model.UploadJob, error)
	Transition(ctx context.Context, jobID string, params pipeline.TransitionParams) (*model.UploadJob, error)
	TransitionChain(ctx context.Context, jobID string, steps []pipeline.TransitionParams) (*model.UploadJob, error)
	IsCallbackApplied(ctx context.Context, jobID string) (bool, error)
	MarkCallbackApplied(ctx context.Context, jobID string) error
}

type jobRepository struct {
	manager *database.Manager
	rdb     *redis.Client
}

// NewJobRepository 创建一个新的 JobRepository 实例。
func NewJobRepository(manager *database.Manager, rdb *redis.Client) JobRepository {
	return &jobRepository{manager: manager, rdb: rdb}
}

// CreateForDocument 在文档行锁内创建任务，保证同一文档至多一条活跃任务。
// 创建成功时顺带把文档的状态镜像拨回 queued，表示新一轮处理开始。
func (r *jobRepository) CreateForDocument(ctx context.Context, job *model.UploadJob) error {
	return r.manager.Transaction(ctx, func(tx *gorm.DB) error {
		var doc model.Document
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ?", job.DocumentID).First(&doc).Error; err != nil {
			return err
		}

		var active int64
		if err := tx.Model(&model.UploadJob{}).
			Where("document_id = ? AND state <> ?", job.DocumentID, model.StateDone).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return ErrActiveJobExists
		}

		if err := tx.Create(job).Error; err != nil {
			return err
		}
		return tx.Model(&model.Document{}).
			Where("document_id = ?", job.DocumentID).
			Update("processing_status", job.Status).Error
	})
}

// GetByID 按主键查询任务，不存在时返回 gorm.ErrRecordNotFound。
func (r *jobRepository) GetByID(ctx context.Context, jobID string) (*model.UploadJob, error) {
	var job model.UploadJob
	if err := r.manager.DB(ctx).Where("job_id = ?", jobID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// GetWithDocument 查询任务及其所属文档。
func (r *jobRepository) GetWithDocument(ctx context.Context, jobID string) (*model.UploadJob, *model.Document, error) {
	job, err := r.GetByID(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	var doc model.Document
	if err := r.manager.DB(ctx).Where("document_id = ?", job.DocumentID).First(&doc).Error; err != nil {
		return nil, nil, fmt.Errorf("任务 %s 的文档 %s 查询失败: %w", jobID, job.DocumentID, err)
	}
	return job, &doc, nil
}

// FindActiveByDocument 返回文档当前的活跃任务，没有时返回 (nil, nil)。
func (r *jobRepository) FindActiveByDocument(ctx context.Context, documentID string) (*model.UploadJob, error) {
	var job model.UploadJob
	err := r.manager.DB(ctx).
		Where("document_id = ? AND state <> ?", documentID, model.StateDone).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// ListByDocument 按创建时间倒序返回文档名下的全部任务。
func (r *jobRepository) ListByDocument(ctx context.Context, documentID string) ([]model.UploadJob, error) {
	jobs := make([]model.UploadJob, 0)
	err := r.manager.DB(ctx).
		Where("document_id = ?", documentID).
		Order("created_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Transition 执行单步状态流转，语义见 TransitionChain。
func (r *jobRepository) Transition(ctx context.Context, jobID string, params pipeline.TransitionParams) (*model.UploadJob, error) {
	return r.TransitionChain(ctx, jobID, []pipeline.TransitionParams{params})
}

// TransitionChain 在一个事务内按顺序执行多步状态流转：
// 对任务行加 FOR UPDATE 行锁，逐步做状态机校验并写任务行，
// 同时把文档行的状态镜像更新到一致。任何一步被状态机拒绝都会
// 整体回滚并返回 *pipeline.TransitionError，并发的重复投递因此
// 不可能都观察到同一个前置状态。
func (r *jobRepository) TransitionChain(ctx context.Context, jobID string, steps []pipeline.TransitionParams) (*model.UploadJob, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("状态流转步骤为空")
	}

	var job model.UploadJob
	err := r.manager.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ?", jobID).First(&job).Error; err != nil {
			return err
		}

		for _, step := range steps {
			if step.From != "" && job.Status != step.From {
				return &pipeline.TransitionError{
					From:   job.Status,
					To:     step.To,
					Reason: fmt.Sprintf("当前状态与预期的 %s 不符", step.From),
				}
			}
			if err := pipeline.CanTransition(job.Status, step.To); err != nil {
				return err
			}

			state := pipeline.DeriveState(step.To, step.Handoff)
			updates := map[string]interface{}{
				"status": step.To,
				"state":  state,
			}
			if step.Error != nil {
				updates["last_error"] = model.EncodeJobError(*step.Error)
			}
			if err := tx.Model(&model.UploadJob{}).
				Where("job_id = ?", jobID).Updates(updates).Error; err != nil {
				return err
			}

			docUpdates := map[string]interface{}{"processing_status": step.To}
			if step.Parsed != nil {
				docUpdates["parsed_path"] = step.Parsed.Path
				docUpdates["parsed_sha256"] = step.Parsed.SHA256
			}
			if err := tx.Model(&model.Document{}).
				Where("document_id = ?", job.DocumentID).Updates(docUpdates).Error; err != nil {
				return err
			}

			job.Status = step.To
			job.State = state
			if step.Error != nil {
				job.LastError = model.EncodeJobError(*step.Error)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// IsCallbackApplied 查询回调幂等标记。Redis 不可用时返回错误，
// 调用方应当跳过快路径，改由数据库状态判重。
func (r *jobRepository) IsCallbackApplied(ctx context.Context, jobID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, fmt.Sprintf(callbackAppliedKeyFormat, jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkCallbackApplied 写入回调幂等标记。
func (r *jobRepository) MarkCallbackApplied(ctx context.Context, jobID string) error {
	return r.rdb.Set(ctx, fmt.Sprintf(callbackAppliedKeyFormat, jobID), 1, callbackAppliedTTL).Err()
}
