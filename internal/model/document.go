// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// Document 对应于数据库中的 documents 表。
// document_id 由 (user_id, file_sha256) 确定性派生，同一用户重复上传
// 相同内容会命中同一行，以此避免重复入库。
type Document struct {
	DocumentID       string    `gorm:"type:char(36);primaryKey;column:document_id" json:"documentId"`
	UserID           string    `gorm:"type:varchar(64);not null;index;column:user_id" json:"userId"`
	Filename         string    `gorm:"type:varchar(255);not null;column:filename" json:"filename"`
	Mime             string    `gorm:"type:varchar(100);column:mime" json:"mime"`
	BytesLen         int64     `gorm:"not null;column:bytes_len" json:"bytesLen"`
	FileSHA256       string    `gorm:"type:char(64);not null;column:file_sha256" json:"fileSha256"`
	RawPath          string    `gorm:"type:varchar(512);not null;column:raw_path" json:"rawPath"`
	ParsedPath       *string   `gorm:"type:varchar(512);column:parsed_path" json:"parsedPath"`
	ParsedSHA256     *string   `gorm:"type:char(64);column:parsed_sha256" json:"parsedSha256"`
	ProcessingStatus JobStatus `gorm:"type:varchar(32);not null;column:processing_status" json:"processingStatus"`
	CreatedAt        time.Time `gorm:"autoCreateTime;column:created_at" json:"createdAt"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime;column:updated_at" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}
