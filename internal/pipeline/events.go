package pipeline

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"docpipe-go/internal/model"
	"docpipe-go/pkg/log"
	"docpipe-go/pkg/tasks"
)

// Events 消费下游 worker 回报的阶段事件，驱动任务状态前进并触发
// 缓冲提升。实现 pkg/kafka.EventHandler；返回错误表示事件值得重试，
// 返回 nil 即提交 offset。
type Events struct {
	jobs     JobStore
	promoter *Promoter
}

// NewEvents 创建一个新的 Events 实例。
func NewEvents(jobs JobStore, promoter *Promoter) *Events {
	return &Events{jobs: jobs, promoter: promoter}
}

// HandleStageEvent 按事件类型分派处理。
func (e *Events) HandleStageEvent(ctx context.Context, event tasks.StageEvent) error {
	switch event.Stage {
	case tasks.StageChunksBuffered:
		return e.advanceAndPromote(ctx, event, model.StatusChunking, model.StatusChunksBuffered)
	case tasks.StageEmbedded:
		return e.advanceAndPromote(ctx, event, model.StatusEmbedding, model.StatusEmbedded)
	case tasks.StageFailed:
		return e.recordWorkerFailure(ctx, event)
	default:
		// 未知事件重试也无济于事，记录后提交
		log.Warnw("[StageEvent] 未知的阶段事件", "job_id", event.JobID, "stage", event.Stage)
		return nil
	}
}

// advanceAndPromote 把任务从 from 推进到 to，随后执行缓冲提升。
// 上一次处理在提升前崩溃时任务已停在 to，直接续跑提升；任务已越过
// to 说明是重复投递，无操作提交。
func (e *Events) advanceAndPromote(ctx context.Context, event tasks.StageEvent, from, to model.JobStatus) error {
	job, _, err := e.jobs.GetWithDocument(ctx, event.JobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Errorw("[StageEvent] 事件指向不存在的任务", "job_id", event.JobID, "stage", event.Stage)
			return nil
		}
		return err
	}

	switch job.Status {
	case from:
		if _, err := e.jobs.Transition(ctx, event.JobID, TransitionParams{From: from, To: to}); err != nil {
			var te *TransitionError
			if !errors.As(err, &te) {
				return err
			}
			// 并发消费已推进，继续尝试提升
			log.Infow("[StageEvent] 状态已被并发消费推进", "job_id", event.JobID, "current", te.From)
		}
	case to:
		// 上一次处理中断在提升前，续跑
	default:
		log.Infow("[StageEvent] 任务已越过该阶段，忽略重复事件",
			"job_id", event.JobID, "stage", event.Stage, "status", job.Status)
		return nil
	}

	_, err = e.promoter.Promote(ctx, event.JobID)
	return err
}

// recordWorkerFailure 把 worker 上报的失败落成对应阶段的失败终态。
// 与当前状态不匹配的失败事件视为迟到的重复投递，忽略。
func (e *Events) recordWorkerFailure(ctx context.Context, event tasks.StageEvent) error {
	job, _, err := e.jobs.GetWithDocument(ctx, event.JobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Errorw("[StageEvent] 失败事件指向不存在的任务", "job_id", event.JobID)
			return nil
		}
		return err
	}
	if IsTerminal(job.Status) {
		log.Infow("[StageEvent] 任务已终态，忽略失败事件", "job_id", event.JobID, "status", job.Status)
		return nil
	}

	var target model.JobStatus
	switch event.Phase {
	case tasks.PhaseChunking:
		target = model.StatusFailedChunking
	case tasks.PhaseEmbedding:
		target = model.StatusFailedEmbedding
	default:
		// phase 缺失时按任务当前所处阶段归因
		t, ok := FailureStatusOf(job.Status)
		if !ok {
			log.Warnw("[StageEvent] 无法确定失败终态，忽略",
				"job_id", event.JobID, "status", job.Status, "phase", event.Phase)
			return nil
		}
		target = t
	}

	reason := event.Error
	if reason == "" {
		reason = "worker 上报失败但未携带原因"
	}
	jobErr := model.JobError{Error: reason, Stage: string(job.Status)}

	if _, err := e.jobs.Transition(ctx, event.JobID, TransitionParams{
		From:  job.Status,
		To:    target,
		Error: &jobErr,
	}); err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			log.Warnw("[StageEvent] 失败事件与当前状态不匹配，忽略",
				"job_id", event.JobID, "current", te.From, "target", target)
			return nil
		}
		return err
	}

	log.Warnw("[StageEvent] 任务转入失败终态",
		"job_id", event.JobID, "status", target, "error", reason)
	return nil
}

// OnRetriesExhausted 在事件重试耗尽后把任务转入当前阶段的失败终态，
// 防止任务在中间状态上永远停留。
func (e *Events) OnRetriesExhausted(ctx context.Context, event tasks.StageEvent, cause error) {
	job, _, err := e.jobs.GetWithDocument(ctx, event.JobID)
	if err != nil {
		log.Errorw("[StageEvent] 重试耗尽后查询任务失败", "job_id", event.JobID, "error", err)
		return
	}
	if IsTerminal(job.Status) {
		return
	}

	target, ok := FailureStatusOf(job.Status)
	if !ok {
		log.Errorw("[StageEvent] 重试耗尽但无法确定失败终态",
			"job_id", event.JobID, "status", job.Status)
		return
	}

	jobErr := model.JobError{
		Error: fmt.Sprintf("阶段事件处理重试耗尽: %v", cause),
		Stage: string(job.Status),
	}
	if _, err := e.jobs.Transition(ctx, event.JobID, TransitionParams{
		From:  job.Status,
		To:    target,
		Error: &jobErr,
	}); err != nil {
		log.Errorw("[StageEvent] 重试耗尽后落失败终态失败", "job_id", event.JobID, "error", err)
		return
	}
	log.Errorw("[StageEvent] 重试耗尽，任务转入失败终态",
		"job_id", event.JobID, "status", target, "cause", cause)
}
