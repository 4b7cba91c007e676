package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"docpipe-go/internal/config"
	"docpipe-go/internal/model"
	"docpipe-go/internal/pipeline"
	"docpipe-go/internal/repository"
	"docpipe-go/pkg/log"
	"docpipe-go/pkg/parser"
	"docpipe-go/pkg/storage"
)

// IngestOutcome 是一次回调摄取的结果类别。
type IngestOutcome string

const (
	// IngestApplied 表示解析产物已入库，任务推进到 parsed。
	IngestApplied IngestOutcome = "applied"
	// IngestAlreadyProcessed 表示重复投递，本次调用未改变任何状态。
	IngestAlreadyProcessed IngestOutcome = "already_processed"
	// IngestUpstreamFailed 表示上游解析服务显式上报失败，任务转入 failed_parse。
	IngestUpstreamFailed IngestOutcome = "upstream_failed"
	// IngestContentMissing 表示上游上报成功但没有携带任何可提取文本。
	IngestContentMissing IngestOutcome = "content_missing"
	// IngestStorageFailed 表示解析产物写入对象存储失败。
	IngestStorageFailed IngestOutcome = "storage_failed"
)

// IngestResult 是一次回调摄取的显式结果。失败类结局本身就是一次
// 合法的状态流转，不作为 Go error 返回；error 只用于值得上游
// 重新投递的异常（查库失败、状态尚未就绪等）。
type IngestResult struct {
	Outcome      IngestOutcome `json:"outcome"`
	JobID        string        `json:"jobId"`
	DocumentID   string        `json:"documentId"`
	ParsedPath   string        `json:"parsedPath,omitempty"`
	ParsedSHA256 string        `json:"parsedSha256,omitempty"`
}

// IngestService 定义了解析回调摄取的服务接口。
type IngestService interface {
	HandleParseCallback(ctx context.Context, jobID string, rawBody []byte, signature string) (*IngestResult, error)
}

type ingestService struct {
	jobRepo    repository.JobRepository
	store      BlobStore
	webhookCfg config.WebhookConfig
}

// NewIngestService 创建一个新的 IngestService 实例。
func NewIngestService(jobRepo repository.JobRepository, store BlobStore, webhookCfg config.WebhookConfig) IngestService {
	return &ingestService{jobRepo: jobRepo, store: store, webhookCfg: webhookCfg}
}

// HandleParseCallback 摄取解析服务的完成回调。整个流程对重复投递幂等：
// 解析产物写固定键，任务推进在行锁内做 CAS，重复回调要么命中快路径
// 要么被状态机拒绝，已落库的行不会被改写。
func (s *ingestService) HandleParseCallback(ctx context.Context, jobID string, rawBody []byte, signature string) (*IngestResult, error) {
	job, doc, err := s.jobRepo.GetWithDocument(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}

	// 签名不合法时任务保持原状，上游带正确签名重试仍可成功
	if err := s.verifySignature(rawBody, signature, job.WebhookSecret); err != nil {
		log.Warnw("[WebhookIngest] 回调签名校验失败", "job_id", jobID)
		return nil, err
	}

	result := &IngestResult{JobID: job.JobID, DocumentID: doc.DocumentID}

	// 幂等快路径：Redis 标记或数据库状态表明已处理过，直接无操作返回
	if applied, err := s.jobRepo.IsCallbackApplied(ctx, jobID); err == nil && applied {
		return s.alreadyProcessed(result, doc), nil
	} else if err != nil {
		log.Warnw("[WebhookIngest] 查询回调幂等标记失败，回退到数据库判重", "job_id", jobID, "error", err)
	}
	if pastParsing(job.Status) {
		return s.alreadyProcessed(result, doc), nil
	}

	payload, err := parser.DecodeCallback(rawBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if payload.Failed() {
		// 上游显式失败，错误信息原样记入 last_error
		reason := payload.Error
		if reason == "" {
			reason = "解析服务上报失败但未携带原因"
		}
		return s.failParse(ctx, job, result, IngestUpstreamFailed, model.JobError{
			Error: reason,
			Stage: string(model.StatusParsing),
		})
	}

	content := payload.Content()
	if content == "" {
		return s.failParse(ctx, job, result, IngestContentMissing, model.JobError{
			Error: "No parsed content received",
			Stage: string(model.StatusParsing),
		})
	}

	sum := sha256.Sum256([]byte(content))
	parsedSHA := hex.EncodeToString(sum[:])
	key := storage.ParsedObjectKey(doc.UserID, doc.DocumentID)

	if err := s.store.Put(ctx, key, strings.NewReader(content), int64(len(content)), "text/markdown"); err != nil {
		log.Errorw("[WebhookIngest] 解析产物写入对象存储失败", "job_id", jobID, "key", key, "error", err)
		return s.failParse(ctx, job, result, IngestStorageFailed, model.JobError{
			Error: "解析产物写入对象存储失败: " + err.Error(),
			Stage: string(model.StatusParsing),
		})
	}

	// 任务与文档在同一事务内原子更新，行锁内复核当前仍处于 parsing
	_, err = s.jobRepo.Transition(ctx, jobID, pipeline.TransitionParams{
		From:    model.StatusParsing,
		To:      model.StatusParsed,
		Handoff: true,
		Parsed:  &pipeline.ParsedArtifact{Path: key, SHA256: parsedSHA},
	})
	if err != nil {
		var te *pipeline.TransitionError
		if errors.As(err, &te) && pastParsing(te.From) {
			// 并发投递抢先完成，本次按重复投递处理
			return s.alreadyProcessed(result, doc), nil
		}
		return nil, fmt.Errorf("提交解析结果失败: %w", err)
	}

	if err := s.jobRepo.MarkCallbackApplied(ctx, jobID); err != nil {
		log.Warnw("[WebhookIngest] 写入回调幂等标记失败", "job_id", jobID, "error", err)
	}

	result.Outcome = IngestApplied
	result.ParsedPath = key
	result.ParsedSHA256 = parsedSHA
	log.Infow("[WebhookIngest] 解析结果已入库",
		"job_id", jobID, "document_id", doc.DocumentID, "parsed_sha256", parsedSHA, "bytes", len(content))
	return result, nil
}

// verifySignature 以常数时间比较 HMAC-SHA256 回调签名。
// 签名头与密钥齐备才执行校验；缺失时是否放行由 webhook.require_signature
// 决定，默认放行以兼容不支持签名的解析服务。
func (s *ingestService) verifySignature(rawBody []byte, signature, secret string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" || secret == "" {
		if s.webhookCfg.RequireSignature {
			return ErrUnauthorized
		}
		return nil
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrUnauthorized
	}
	if !hmac.Equal(expected, provided) {
		return ErrUnauthorized
	}
	return nil
}

// failParse 把任务转入 failed_parse。被状态机拒绝说明任务被并发
// 操作推进过，此时按重复投递处理。
func (s *ingestService) failParse(ctx context.Context, job *model.UploadJob, result *IngestResult, outcome IngestOutcome, jobErr model.JobError) (*IngestResult, error) {
	_, err := s.jobRepo.Transition(ctx, job.JobID, pipeline.TransitionParams{
		From:  job.Status,
		To:    model.StatusFailedParse,
		Error: &jobErr,
	})
	if err != nil {
		var te *pipeline.TransitionError
		if errors.As(err, &te) {
			log.Warnw("[WebhookIngest] 任务状态已变更，失败回调按重复投递处理",
				"job_id", job.JobID, "current", te.From)
			result.Outcome = IngestAlreadyProcessed
			return result, nil
		}
		return nil, fmt.Errorf("记录解析失败状态失败: %w", err)
	}

	result.Outcome = outcome
	log.Warnw("[WebhookIngest] 任务转入 failed_parse",
		"job_id", job.JobID, "outcome", outcome, "error", jobErr.Error)
	return result, nil
}

func (s *ingestService) alreadyProcessed(result *IngestResult, doc *model.Document) *IngestResult {
	result.Outcome = IngestAlreadyProcessed
	if doc.ParsedPath != nil {
		result.ParsedPath = *doc.ParsedPath
	}
	if doc.ParsedSHA256 != nil {
		result.ParsedSHA256 = *doc.ParsedSHA256
	}
	log.Infow("[WebhookIngest] 重复投递，按无操作处理", "job_id", result.JobID)
	return result
}

// pastParsing 判断任务是否已经拿到过解析结果（到达 parsed 及之后）
// 或已进入终态。
func pastParsing(status model.JobStatus) bool {
	if pipeline.IsTerminal(status) {
		return true
	}
	idx, ok := pipeline.OrderIndex(status)
	if !ok {
		return false
	}
	parsedIdx, _ := pipeline.OrderIndex(model.StatusParsed)
	return idx >= parsedIdx
}
