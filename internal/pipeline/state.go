// Package pipeline 定义了上传任务的流水线状态机、阶段事件处理与缓冲提升逻辑。
//
// 状态机是"这次流转是否合法"的唯一裁决者：所有写入方（回调摄取、任务派发、
// 缓冲提升）在持有任务行锁的事务内先问状态机再落库，策略因此与触发流转的
// I/O 代码解耦。
package pipeline

import (
	"fmt"

	"docpipe-go/internal/model"
)

// pipelineOrder 是各阶段的全序，任务状态只能沿此序列逐级前进。
var pipelineOrder = []model.JobStatus{
	model.StatusQueued,
	model.StatusJobValidated,
	model.StatusParsing,
	model.StatusParsed,
	model.StatusParseValidated,
	model.StatusChunking,
	model.StatusChunksBuffered,
	model.StatusEmbedding,
	model.StatusEmbedded,
	model.StatusComplete,
}

var orderIndex = buildOrderIndex()

func buildOrderIndex() map[model.JobStatus]int {
	idx := make(map[model.JobStatus]int, len(pipelineOrder))
	for i, s := range pipelineOrder {
		idx[s] = i
	}
	return idx
}

// failureByStatus 给出每个活跃阶段对应的失败终态。
var failureByStatus = map[model.JobStatus]model.JobStatus{
	model.StatusQueued:         model.StatusFailedParse,
	model.StatusJobValidated:   model.StatusFailedParse,
	model.StatusParsing:        model.StatusFailedParse,
	model.StatusParsed:         model.StatusFailedParse,
	model.StatusParseValidated: model.StatusFailedParse,
	model.StatusChunking:       model.StatusFailedChunking,
	model.StatusChunksBuffered: model.StatusFailedChunking,
	model.StatusEmbedding:      model.StatusFailedEmbedding,
	model.StatusEmbedded:       model.StatusFailedEmbedding,
}

// TransitionError 表示一次被拒绝的状态流转。
type TransitionError struct {
	From   model.JobStatus
	To     model.JobStatus
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("状态流转 %s -> %s 被拒绝: %s", e.From, e.To, e.Reason)
}

// ValidStatus 判断给定状态是否是已知的流水线状态。
func ValidStatus(s model.JobStatus) bool {
	if _, ok := orderIndex[s]; ok {
		return true
	}
	return s == model.StatusFailedParse || s == model.StatusFailedChunking || s == model.StatusFailedEmbedding
}

// IsTerminal 判断状态是否为终态。complete 与所有 failed_* 不再接受任何流转。
func IsTerminal(s model.JobStatus) bool {
	switch s {
	case model.StatusComplete, model.StatusFailedParse, model.StatusFailedChunking, model.StatusFailedEmbedding:
		return true
	}
	return false
}

// IsFailed 判断状态是否为失败终态。
func IsFailed(s model.JobStatus) bool {
	switch s {
	case model.StatusFailedParse, model.StatusFailedChunking, model.StatusFailedEmbedding:
		return true
	}
	return false
}

// FailureStatusOf 返回某个活跃阶段对应的失败终态；终态没有对应项。
func FailureStatusOf(s model.JobStatus) (model.JobStatus, bool) {
	f, ok := failureByStatus[s]
	return f, ok
}

// NextStatus 返回流水线中的下一个阶段；complete 及失败终态没有后继。
func NextStatus(s model.JobStatus) (model.JobStatus, bool) {
	i, ok := orderIndex[s]
	if !ok || i == len(pipelineOrder)-1 {
		return "", false
	}
	return pipelineOrder[i+1], true
}

// OrderIndex 返回状态在流水线全序中的下标，失败终态不在序列内。
func OrderIndex(s model.JobStatus) (int, bool) {
	i, ok := orderIndex[s]
	return i, ok
}

// CanTransition 裁决一次状态流转：
// 只允许流转到全序中的直接后继，或当前阶段对应的失败终态；
// 回退、跳级、以及任何离开终态的流转一律拒绝。
func CanTransition(from, to model.JobStatus) error {
	if !ValidStatus(from) {
		return &TransitionError{From: from, To: to, Reason: "未知的当前状态"}
	}
	if !ValidStatus(to) {
		return &TransitionError{From: from, To: to, Reason: "未知的目标状态"}
	}
	if IsTerminal(from) {
		return &TransitionError{From: from, To: to, Reason: "当前状态是终态"}
	}
	if f, ok := failureByStatus[from]; ok && to == f {
		return nil
	}
	if IsFailed(to) {
		return &TransitionError{From: from, To: to, Reason: "失败终态与当前阶段不对应"}
	}
	fromIdx := orderIndex[from]
	toIdx, ok := orderIndex[to]
	if !ok {
		return &TransitionError{From: from, To: to, Reason: "目标状态不在流水线序列内"}
	}
	if toIdx <= fromIdx {
		return &TransitionError{From: from, To: to, Reason: "状态只能向前流转"}
	}
	if toIdx != fromIdx+1 {
		return &TransitionError{From: from, To: to, Reason: "不允许跳过中间阶段"}
	}
	return nil
}

// CoarseStateOf 由阶段状态推导粗粒度生命周期：
// queued 仅对应初始 queued；complete 与 failed_* 为 done；其余均为 working。
// 交接点（parsed/chunking/embedding 等待下一阶段认领）由写入方显式改写为
// queued，见 DeriveState。
func CoarseStateOf(s model.JobStatus) model.JobState {
	switch {
	case s == model.StatusQueued:
		return model.StateQueued
	case IsTerminal(s):
		return model.StateDone
	default:
		return model.StateWorking
	}
}

// DeriveState 计算写入 status 时应落库的粗粒度状态。
// handoff 为 true 表示该阶段产物已就绪、等待下一阶段 worker 认领，
// 此时粗状态停在 queued（队列语义）而非 working。
func DeriveState(s model.JobStatus, handoff bool) model.JobState {
	if handoff && !IsTerminal(s) {
		return model.StateQueued
	}
	return CoarseStateOf(s)
}

// TransitionParams 描述一次状态流转要写入的内容。
// 仓储层在任务行锁内按这些参数执行 CAS 式流转。
type TransitionParams struct {
	// From 非空时要求当前状态必须恰好等于它，任何并发写入导致的偏差都会
	// 使本次流转失败；为空时仅按状态机规则校验。
	From    model.JobStatus
	To      model.JobStatus
	Handoff bool
	// Error 非 nil 时写入任务的 last_error 列。
	Error *model.JobError
	// Parsed 非 nil 时在同一事务内把解析产物信息写到文档行上。
	Parsed *ParsedArtifact
}

// ParsedArtifact 是回调摄取成功后随状态流转一并落库的解析产物。
type ParsedArtifact struct {
	Path   string
	SHA256 string
}

// VectorAttach 是一次向量挂载：把向量写到既有的终表分块行上。
type VectorAttach struct {
	ChunkID      string
	Embedding    model.Vector
	ModelVersion string
}
