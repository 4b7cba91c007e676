package model

import (
	"encoding/json"
	"time"
)

// JobStatus 表示任务在流水线中所处的阶段。
type JobStatus string

// 流水线阶段按声明顺序前进，failed_* 为对应阶段的失败终态。
const (
	StatusQueued         JobStatus = "queued"
	StatusJobValidated   JobStatus = "job_validated"
	StatusParsing        JobStatus = "parsing"
	StatusParsed         JobStatus = "parsed"
	StatusParseValidated JobStatus = "parse_validated"
	StatusChunking       JobStatus = "chunking"
	StatusChunksBuffered JobStatus = "chunks_buffered"
	StatusEmbedding      JobStatus = "embedding"
	StatusEmbedded       JobStatus = "embedded"
	StatusComplete       JobStatus = "complete"

	StatusFailedParse     JobStatus = "failed_parse"
	StatusFailedChunking  JobStatus = "failed_chunking"
	StatusFailedEmbedding JobStatus = "failed_embedding"
)

// JobState 表示任务的粗粒度生命周期。
// queued 表示等待下一阶段 worker 认领，working 表示某个阶段正在进行，done 为终态。
type JobState string

const (
	StateQueued  JobState = "queued"
	StateWorking JobState = "working"
	StateDone    JobState = "done"
)

// JobError 是 last_error 列中存储的结构化错误。
type JobError struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

// UploadJob 对应于数据库中的 upload_jobs 表。
// 一次处理尝试对应一条 job；同一文档可在多次重试中产生多条 job，
// 但同一时刻至多一条处于活跃状态（state != done）。
type UploadJob struct {
	JobID         string    `gorm:"type:char(36);primaryKey;column:job_id" json:"jobId"`
	DocumentID    string    `gorm:"type:char(36);not null;index;column:document_id" json:"documentId"`
	Status        JobStatus `gorm:"type:varchar(32);not null;column:status" json:"status"`
	State         JobState  `gorm:"type:varchar(16);not null;index;column:state" json:"state"`
	WebhookSecret string    `gorm:"type:varchar(64);not null;column:webhook_secret" json:"-"`
	LastError     *string   `gorm:"type:json;column:last_error" json:"lastError"`
	CreatedAt     time.Time `gorm:"autoCreateTime;column:created_at" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime;column:updated_at" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (UploadJob) TableName() string {
	return "upload_jobs"
}

// EncodeJobError 将结构化错误序列化为可写入 last_error 列的 JSON 字符串。
func EncodeJobError(e JobError) *string {
	data, err := json.Marshal(e)
	if err != nil {
		fallback := `{"error":"unknown"}`
		return &fallback
	}
	s := string(data)
	return &s
}

// DecodeJobError 解析 last_error 列，为空或格式非法时返回 nil。
func DecodeJobError(raw *string) *JobError {
	if raw == nil || *raw == "" {
		return nil
	}
	var e JobError
	if err := json.Unmarshal([]byte(*raw), &e); err != nil {
		return nil
	}
	return &e
}
