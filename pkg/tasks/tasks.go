// Package tasks defines the message structures exchanged over Kafka.
package tasks

// 任务与事件的类型常量，生产与消费两侧共用。
const (
	TaskTypeChunk = "chunk"
	TaskTypeEmbed = "embed"

	StageChunksBuffered = "chunks_buffered"
	StageEmbedded       = "embedded"
	StageFailed         = "failed"

	PhaseChunking  = "chunking"
	PhaseEmbedding = "embedding"
)

// PipelineTask 是下发给下游 worker 的任务载荷。
// chunk 任务驱动分块 worker 拉取解析产物并写入 chunk 缓冲表；
// embed 任务驱动向量化 worker 读取终表分块并写入向量缓冲表。
type PipelineTask struct {
	TaskType       string `json:"task_type"`
	JobID          string `json:"job_id"`
	DocumentID     string `json:"document_id"`
	UserID         string `json:"user_id"`
	ParsedURL      string `json:"parsed_url,omitempty"`
	ParsedSHA256   string `json:"parsed_sha256,omitempty"`
	ChunkerName    string `json:"chunker_name"`
	ChunkerVersion string `json:"chunker_version"`
}

// StageEvent 是下游 worker 回报的阶段事件。
// stage 为 chunks_buffered / embedded 表示对应缓冲阶段完成；
// 为 failed 时 phase 指明失败发生在哪个阶段，error 携带原因。
type StageEvent struct {
	JobID      string `json:"job_id"`
	DocumentID string `json:"document_id"`
	Stage      string `json:"stage"`
	Phase      string `json:"phase,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewChunkTask 构造下发给分块 worker 的任务，附带解析产物的临时下载链接。
func NewChunkTask(jobID, documentID, userID, parsedURL, parsedSHA256, chunkerName, chunkerVersion string) PipelineTask {
	return PipelineTask{
		TaskType:       TaskTypeChunk,
		JobID:          jobID,
		DocumentID:     documentID,
		UserID:         userID,
		ParsedURL:      parsedURL,
		ParsedSHA256:   parsedSHA256,
		ChunkerName:    chunkerName,
		ChunkerVersion: chunkerVersion,
	}
}

// NewEmbedTask 构造下发给向量化 worker 的任务，worker 自行从终表读取分块。
func NewEmbedTask(jobID, documentID, userID, chunkerName, chunkerVersion string) PipelineTask {
	return PipelineTask{
		TaskType:       TaskTypeEmbed,
		JobID:          jobID,
		DocumentID:     documentID,
		UserID:         userID,
		ChunkerName:    chunkerName,
		ChunkerVersion: chunkerVersion,
	}
}
