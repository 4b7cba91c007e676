package pipeline

import (
	"context"
	"errors"
	"fmt"

	"docpipe-go/internal/config"
	"docpipe-go/internal/identity"
	"docpipe-go/internal/model"
	"docpipe-go/pkg/log"
	"docpipe-go/pkg/tasks"
)

// JobStore 是提升流程所需的任务存取子集，由 repository.JobRepository 满足。
// 在本包内声明以避免与仓储层互相引用。
type JobStore interface {
	GetWithDocument(ctx context.Context, jobID string) (*model.UploadJob, *model.Document, error)
	Transition(ctx context.Context, jobID string, params TransitionParams) (*model.UploadJob, error)
}

// ChunkStore 是提升流程所需的分块存取子集，由 repository.ChunkRepository 满足。
type ChunkStore interface {
	ListChunkBuffers(ctx context.Context, documentID, chunkerName, chunkerVersion string) ([]model.ChunkBuffer, error)
	ListVectorBuffers(ctx context.Context, documentID, chunkerName, chunkerVersion string) ([]model.VectorBuffer, error)
	PromoteChunkBuffers(ctx context.Context, documentID, chunkerName, chunkerVersion string, chunks []*model.DocumentChunk) error
	AttachVectors(ctx context.Context, documentID, chunkerName, chunkerVersion string, attaches []VectorAttach) error
	ListChunks(ctx context.Context, documentID, chunkerName, chunkerVersion string) ([]model.DocumentChunk, error)
}

// TaskPublisher 发布流水线任务，由 pkg/kafka.Producer 满足。
type TaskPublisher interface {
	PublishTask(ctx context.Context, task tasks.PipelineTask) error
}

// ChunkIndexer 把分块镜像到检索索引，由 pkg/es.Client 满足。
type ChunkIndexer interface {
	IndexChunk(ctx context.Context, doc model.ChunkDocument) error
}

// PromoteOutcome 是一次缓冲提升的结果类别。
type PromoteOutcome string

const (
	// PromotedChunks 表示分块缓冲已提升进终表，任务推进到 embedding。
	PromotedChunks PromoteOutcome = "chunks_promoted"
	// PromotedVectors 表示向量已挂载到终表分块，任务完成。
	PromotedVectors PromoteOutcome = "vectors_promoted"
	// PromoteNoop 表示任务不处于可提升的状态，本次调用未做任何事。
	PromoteNoop PromoteOutcome = "already_promoted"
)

// PromoteResult 是一次缓冲提升的结果。
type PromoteResult struct {
	Outcome  PromoteOutcome `json:"outcome"`
	JobID    string         `json:"jobId"`
	Promoted int            `json:"promoted"`
}

// Promoter 把下游 worker 写入缓冲表的产物提升为权威数据：
// 分块缓冲提升进终表，向量缓冲挂载到终表分块并镜像到检索索引。
// 每一步都幂等，崩溃后从任意中间点重跑都会收敛到同样的终态。
type Promoter struct {
	jobs     JobStore
	chunks   ChunkStore
	indexer  ChunkIndexer
	producer TaskPublisher
	cfg      config.PipelineConfig
}

// NewPromoter 创建一个新的 Promoter 实例。
func NewPromoter(jobs JobStore, chunks ChunkStore, indexer ChunkIndexer, producer TaskPublisher, cfg config.PipelineConfig) *Promoter {
	return &Promoter{jobs: jobs, chunks: chunks, indexer: indexer, producer: producer, cfg: cfg}
}

// Promote 按任务当前状态执行对应阶段的提升。
// 状态不在提升点时返回 PromoteNoop，重复调用因此总是安全的。
func (p *Promoter) Promote(ctx context.Context, jobID string) (*PromoteResult, error) {
	job, doc, err := p.jobs.GetWithDocument(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case model.StatusChunksBuffered:
		return p.promoteChunks(ctx, job, doc)
	case model.StatusEmbedded:
		return p.promoteVectors(ctx, job, doc)
	default:
		log.Infow("[Promoter] 任务不在提升点，跳过", "job_id", jobID, "status", job.Status)
		return &PromoteResult{Outcome: PromoteNoop, JobID: jobID}, nil
	}
}

// promoteChunks 把分块缓冲提升进终表并推进任务到 embedding。
// chunk_id 确定性派生，重跑是覆盖写；缓冲已被上一次提升消费而
// 状态尚未推进时，校验终表后直接补状态。
func (p *Promoter) promoteChunks(ctx context.Context, job *model.UploadJob, doc *model.Document) (*PromoteResult, error) {
	buffers, err := p.chunks.ListChunkBuffers(ctx, doc.DocumentID, p.cfg.ChunkerName, p.cfg.ChunkerVersion)
	if err != nil {
		return nil, fmt.Errorf("读取分块缓冲失败: %w", err)
	}

	promoted := 0
	if len(buffers) == 0 {
		finals, err := p.chunks.ListChunks(ctx, doc.DocumentID, p.cfg.ChunkerName, p.cfg.ChunkerVersion)
		if err != nil {
			return nil, fmt.Errorf("读取终表分块失败: %w", err)
		}
		if len(finals) == 0 {
			return nil, fmt.Errorf("任务 %s 上报分块完成但缓冲区为空", job.JobID)
		}
		log.Infow("[Promoter] 分块缓冲已被消费，仅补推状态", "job_id", job.JobID, "chunks", len(finals))
	} else {
		rows := make([]*model.DocumentChunk, 0, len(buffers))
		for _, b := range buffers {
			chunkID, err := identity.ChunkID(b.DocumentID, b.ChunkerName, b.ChunkerVersion, b.Ordinal)
			if err != nil {
				return nil, fmt.Errorf("派生分块标识失败: %w", err)
			}
			rows = append(rows, &model.DocumentChunk{
				ChunkID:        chunkID,
				DocumentID:     b.DocumentID,
				ChunkerName:    b.ChunkerName,
				ChunkerVersion: b.ChunkerVersion,
				Ordinal:        b.Ordinal,
				Content:        b.Content,
			})
		}
		if err := p.chunks.PromoteChunkBuffers(ctx, doc.DocumentID, p.cfg.ChunkerName, p.cfg.ChunkerVersion, rows); err != nil {
			return nil, err
		}
		promoted = len(rows)
	}

	if _, err := p.jobs.Transition(ctx, job.JobID, TransitionParams{
		From:    model.StatusChunksBuffered,
		To:      model.StatusEmbedding,
		Handoff: true,
	}); err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			// 并发提升已推进状态
			log.Infow("[Promoter] 状态已被并发提升推进", "job_id", job.JobID, "current", te.From)
			return &PromoteResult{Outcome: PromoteNoop, JobID: job.JobID}, nil
		}
		return nil, err
	}

	// 发布失败不回滚提升：任务停在 embedding，由补发接口恢复
	task := tasks.NewEmbedTask(job.JobID, doc.DocumentID, doc.UserID, p.cfg.ChunkerName, p.cfg.ChunkerVersion)
	if err := p.producer.PublishTask(ctx, task); err != nil {
		log.Errorw("[Promoter] 向量化任务发布失败，任务停在 embedding 等待补发",
			"job_id", job.JobID, "error", err)
	}

	log.Infow("[Promoter] 分块已提升进终表",
		"job_id", job.JobID, "document_id", doc.DocumentID, "promoted", promoted)
	return &PromoteResult{Outcome: PromotedChunks, JobID: job.JobID, Promoted: promoted}, nil
}

// promoteVectors 把向量缓冲挂载到终表分块，镜像到检索索引后完成任务。
// 镜像以 chunk_id 为索引文档主键，重试是幂等覆盖；缓冲被消费后的
// 重跑直接用终表权威行重建镜像。
func (p *Promoter) promoteVectors(ctx context.Context, job *model.UploadJob, doc *model.Document) (*PromoteResult, error) {
	buffers, err := p.chunks.ListVectorBuffers(ctx, doc.DocumentID, p.cfg.ChunkerName, p.cfg.ChunkerVersion)
	if err != nil {
		return nil, fmt.Errorf("读取向量缓冲失败: %w", err)
	}

	attached := 0
	if len(buffers) > 0 {
		attaches := make([]VectorAttach, 0, len(buffers))
		for _, b := range buffers {
			chunkID, err := identity.ChunkID(b.DocumentID, b.ChunkerName, b.ChunkerVersion, b.Ordinal)
			if err != nil {
				return nil, fmt.Errorf("派生分块标识失败: %w", err)
			}
			attaches = append(attaches, VectorAttach{
				ChunkID:      chunkID,
				Embedding:    b.Embedding,
				ModelVersion: b.ModelVersion,
			})
		}
		if err := p.chunks.AttachVectors(ctx, doc.DocumentID, p.cfg.ChunkerName, p.cfg.ChunkerVersion, attaches); err != nil {
			return nil, err
		}
		attached = len(attaches)
	}

	finals, err := p.chunks.ListChunks(ctx, doc.DocumentID, p.cfg.ChunkerName, p.cfg.ChunkerVersion)
	if err != nil {
		return nil, fmt.Errorf("读取终表分块失败: %w", err)
	}
	if len(finals) == 0 {
		return nil, fmt.Errorf("任务 %s 没有可完成的分块", job.JobID)
	}
	if len(buffers) == 0 {
		withVector := 0
		for _, c := range finals {
			if len(c.Embedding) > 0 {
				withVector++
			}
		}
		if withVector == 0 {
			return nil, fmt.Errorf("任务 %s 上报向量化完成但缓冲区为空", job.JobID)
		}
		log.Infow("[Promoter] 向量缓冲已被消费，仅补镜像与状态", "job_id", job.JobID)
	}

	for _, chunk := range finals {
		if err := p.indexer.IndexChunk(ctx, model.NewChunkDocument(chunk, doc.UserID)); err != nil {
			return nil, fmt.Errorf("分块 %s 镜像到检索索引失败: %w", chunk.ChunkID, err)
		}
	}

	if _, err := p.jobs.Transition(ctx, job.JobID, TransitionParams{
		From: model.StatusEmbedded,
		To:   model.StatusComplete,
	}); err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			log.Infow("[Promoter] 状态已被并发提升推进", "job_id", job.JobID, "current", te.From)
			return &PromoteResult{Outcome: PromoteNoop, JobID: job.JobID}, nil
		}
		return nil, err
	}

	log.Infow("[Promoter] 任务完成",
		"job_id", job.JobID, "document_id", doc.DocumentID, "chunks", len(finals), "attached", attached)
	return &PromoteResult{Outcome: PromotedVectors, JobID: job.JobID, Promoted: attached}, nil
}
