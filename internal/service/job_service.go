package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"docpipe-go/internal/config"
	"docpipe-go/internal/model"
	"docpipe-go/internal/pipeline"
	"docpipe-go/internal/repository"
	"docpipe-go/pkg/log"
	"docpipe-go/pkg/parser"
	"docpipe-go/pkg/tasks"
)

// JobDTO 是任务查询的响应，携带解码后的 last_error 与固定格式时间。
type JobDTO struct {
	JobID      string          `json:"jobId"`
	DocumentID string          `json:"documentId"`
	Filename   string          `json:"filename"`
	Status     model.JobStatus `json:"status"`
	State      model.JobState  `json:"state"`
	LastError  *model.JobError `json:"lastError,omitempty"`
	CreatedAt  model.LocalTime `json:"createdAt"`
	UpdatedAt  model.LocalTime `json:"updatedAt"`
}

// JobService 定义了任务查询与阶段派发的服务接口。
type JobService interface {
	Get(ctx context.Context, jobID string) (*JobDTO, error)
	// DispatchParse 校验任务后向解析服务提交异步解析请求。
	DispatchParse(ctx context.Context, jobID string) error
	// DispatchChunking 校验解析产物后向下游发布分块任务。
	DispatchChunking(ctx context.Context, jobID string) error
	// Redispatch 按任务当前状态补发对应阶段的动作，用于恢复停滞的任务。
	Redispatch(ctx context.Context, jobID string) (*JobDTO, error)
}

type jobService struct {
	jobRepo   repository.JobRepository
	store     BlobStore
	parser    ParseSubmitter
	producer  TaskPublisher
	promoter  BufferPromoter
	parserCfg config.ParserConfig
	pipeCfg   config.PipelineConfig
}

// NewJobService 创建一个新的 JobService 实例。
func NewJobService(jobRepo repository.JobRepository, store BlobStore, submitter ParseSubmitter,
	producer TaskPublisher, promoter BufferPromoter, parserCfg config.ParserConfig, pipeCfg config.PipelineConfig) JobService {
	return &jobService{
		jobRepo:   jobRepo,
		store:     store,
		parser:    submitter,
		producer:  producer,
		promoter:  promoter,
		parserCfg: parserCfg,
		pipeCfg:   pipeCfg,
	}
}

// Get 查询任务详情。
func (s *jobService) Get(ctx context.Context, jobID string) (*JobDTO, error) {
	job, doc, err := s.jobRepo.GetWithDocument(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return buildJobDTO(job, doc), nil
}

// DispatchParse 把 queued 的任务推进到 parsing 并提交解析请求。
// 校验失败与提交失败都会把任务转入 failed_parse，上传方可通过
// 重新上传或补发接口发起新的尝试。
func (s *jobService) DispatchParse(ctx context.Context, jobID string) error {
	job, doc, err := s.jobRepo.GetWithDocument(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		return err
	}
	if job.Status != model.StatusQueued {
		if pipeline.IsTerminal(job.Status) {
			return ErrJobTerminal
		}
		return fmt.Errorf("任务状态 %s 无法派发解析", job.Status)
	}

	// 任务校验：原始对象必须在场
	if _, err := s.store.Stat(ctx, doc.RawPath); err != nil {
		return s.failDispatch(ctx, job, model.JobError{
			Error: "原始对象不存在或不可读: " + err.Error(),
			Stage: string(model.StatusQueued),
		})
	}

	_, err = s.jobRepo.TransitionChain(ctx, jobID, []pipeline.TransitionParams{
		{From: model.StatusQueued, To: model.StatusJobValidated},
		{From: model.StatusJobValidated, To: model.StatusParsing},
	})
	if err != nil {
		return fmt.Errorf("任务推进到 parsing 失败: %w", err)
	}

	return s.submitParse(ctx, job, doc)
}

// submitParse 生成原始对象的临时链接并提交解析请求，要求任务已处于 parsing。
func (s *jobService) submitParse(ctx context.Context, job *model.UploadJob, doc *model.Document) error {
	rawURL, err := s.store.PresignedGetURL(ctx, doc.RawPath, s.presignExpiry())
	if err != nil {
		return s.failDispatch(ctx, job, model.JobError{
			Error: "生成原始对象下载链接失败: " + err.Error(),
			Stage: string(model.StatusParsing),
		})
	}

	resp, err := s.parser.Submit(ctx, parser.SubmitRequest{
		JobID:         job.JobID,
		FileURL:       rawURL,
		FileName:      doc.Filename,
		MimeType:      doc.Mime,
		CallbackURL:   s.callbackURL(job.JobID),
		WebhookSecret: job.WebhookSecret,
	})
	if err != nil {
		return s.failDispatch(ctx, job, model.JobError{
			Error: "提交解析请求失败: " + err.Error(),
			Stage: string(model.StatusParsing),
		})
	}

	log.Infow("[JobDispatch] 解析请求已受理",
		"job_id", job.JobID, "document_id", doc.DocumentID, "parse_id", resp.ParseID)
	return nil
}

// DispatchChunking 校验解析产物后把任务推进到 chunking 并发布分块任务。
// 发布失败时任务停在 chunking 且没有在途任务，由补发接口恢复。
func (s *jobService) DispatchChunking(ctx context.Context, jobID string) error {
	job, doc, err := s.jobRepo.GetWithDocument(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		return err
	}

	var steps []pipeline.TransitionParams
	switch job.Status {
	case model.StatusParsed:
		steps = []pipeline.TransitionParams{
			{From: model.StatusParsed, To: model.StatusParseValidated},
			{From: model.StatusParseValidated, To: model.StatusChunking, Handoff: true},
		}
	case model.StatusParseValidated:
		steps = []pipeline.TransitionParams{
			{From: model.StatusParseValidated, To: model.StatusChunking, Handoff: true},
		}
	case model.StatusChunking:
		// 状态已就位，仅补发任务
	default:
		if pipeline.IsTerminal(job.Status) {
			return ErrJobTerminal
		}
		return fmt.Errorf("任务状态 %s 无法派发分块", job.Status)
	}

	// 解析产物校验：路径已落库且对象确实在场
	if doc.ParsedPath == nil || *doc.ParsedPath == "" {
		return s.failDispatch(ctx, job, model.JobError{
			Error: "解析产物路径缺失",
			Stage: string(job.Status),
		})
	}
	if _, err := s.store.Stat(ctx, *doc.ParsedPath); err != nil {
		return s.failDispatch(ctx, job, model.JobError{
			Error: "解析产物不存在或不可读: " + err.Error(),
			Stage: string(job.Status),
		})
	}

	if len(steps) > 0 {
		if _, err := s.jobRepo.TransitionChain(ctx, jobID, steps); err != nil {
			return fmt.Errorf("任务推进到 chunking 失败: %w", err)
		}
	}

	parsedURL, err := s.store.PresignedGetURL(ctx, *doc.ParsedPath, s.presignExpiry())
	if err != nil {
		log.Errorw("[JobDispatch] 生成解析产物下载链接失败，任务停在 chunking 等待补发",
			"job_id", jobID, "error", err)
		return fmt.Errorf("生成解析产物下载链接失败: %w", err)
	}

	task := tasks.NewChunkTask(job.JobID, doc.DocumentID, doc.UserID,
		parsedURL, derefString(doc.ParsedSHA256), s.pipeCfg.ChunkerName, s.pipeCfg.ChunkerVersion)
	if err := s.producer.PublishTask(ctx, task); err != nil {
		log.Errorw("[JobDispatch] 分块任务发布失败，任务停在 chunking 等待补发",
			"job_id", jobID, "error", err)
		return fmt.Errorf("发布分块任务失败: %w", err)
	}

	log.Infow("[JobDispatch] 分块任务已发布", "job_id", jobID, "document_id", doc.DocumentID)
	return nil
}

// Redispatch 按当前状态恢复停滞的任务：queued 重新走解析派发，parsing
// 重新提交解析请求，parsed 到 chunking 重新派发分块，embedding 补发
// 向量化任务，chunks_buffered 与 embedded 重跑缓冲提升。
func (s *jobService) Redispatch(ctx context.Context, jobID string) (*JobDTO, error) {
	job, doc, err := s.jobRepo.GetWithDocument(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	switch job.Status {
	case model.StatusQueued:
		err = s.DispatchParse(ctx, jobID)
	case model.StatusParsing:
		err = s.submitParse(ctx, job, doc)
	case model.StatusParsed, model.StatusParseValidated, model.StatusChunking:
		err = s.DispatchChunking(ctx, jobID)
	case model.StatusChunksBuffered, model.StatusEmbedded:
		_, err = s.promoter.Promote(ctx, jobID)
	case model.StatusEmbedding:
		task := tasks.NewEmbedTask(job.JobID, doc.DocumentID, doc.UserID,
			s.pipeCfg.ChunkerName, s.pipeCfg.ChunkerVersion)
		err = s.producer.PublishTask(ctx, task)
	default:
		if pipeline.IsTerminal(job.Status) {
			return nil, ErrJobTerminal
		}
		return nil, fmt.Errorf("任务状态 %s 没有可补发的动作", job.Status)
	}
	if err != nil {
		return nil, err
	}

	job, doc, err = s.jobRepo.GetWithDocument(ctx, jobID)
	if err != nil {
		return nil, err
	}
	log.Infow("[JobDispatch] 任务已补发", "job_id", jobID, "status", job.Status)
	return buildJobDTO(job, doc), nil
}

// failDispatch 把派发失败的任务转入 failed_parse 并返回原始错误。
func (s *jobService) failDispatch(ctx context.Context, job *model.UploadJob, jobErr model.JobError) error {
	if _, terr := s.jobRepo.Transition(ctx, job.JobID, pipeline.TransitionParams{
		To:    model.StatusFailedParse,
		Error: &jobErr,
	}); terr != nil {
		log.Errorw("[JobDispatch] 记录派发失败状态失败",
			"job_id", job.JobID, "cause", jobErr.Error, "error", terr)
	} else {
		log.Warnw("[JobDispatch] 任务转入 failed_parse", "job_id", job.JobID, "error", jobErr.Error)
	}
	return errors.New(jobErr.Error)
}

func (s *jobService) callbackURL(jobID string) string {
	return strings.TrimRight(s.parserCfg.CallbackBaseURL, "/") + "/webhook/parse/" + jobID
}

func (s *jobService) presignExpiry() time.Duration {
	minutes := s.pipeCfg.PresignExpiryMinutes
	if minutes <= 0 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

func buildJobDTO(job *model.UploadJob, doc *model.Document) *JobDTO {
	return &JobDTO{
		JobID:      job.JobID,
		DocumentID: job.DocumentID,
		Filename:   doc.Filename,
		Status:     job.Status,
		State:      job.State,
		LastError:  model.DecodeJobError(job.LastError),
		CreatedAt:  model.LocalTime(job.CreatedAt),
		UpdatedAt:  model.LocalTime(job.UpdatedAt),
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
