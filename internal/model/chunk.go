package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Vector 表示存入 JSON 列的向量。
type Vector []float32

// Value 实现 driver.Valuer，向量以 JSON 数组形式写库。
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan 实现 sql.Scanner。
func (v *Vector) Scan(src interface{}) error {
	if src == nil {
		*v = nil
		return nil
	}
	switch data := src.(type) {
	case []byte:
		return json.Unmarshal(data, v)
	case string:
		return json.Unmarshal([]byte(data), v)
	default:
		return fmt.Errorf("无法将 %T 扫描为 Vector", src)
	}
}

// ChunkBuffer 对应于数据库中的 document_chunk_buffer 暂存表，由下游分块
// worker 写入。行以 (document_id, chunker_name, chunker_version, ordinal)
// 唯一，worker 重试时覆盖写同一行；提升完成后整批删除。
type ChunkBuffer struct {
	ID             uint      `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	DocumentID     string    `gorm:"type:char(36);not null;uniqueIndex:uk_chunk_buffer,priority:1;column:document_id" json:"documentId"`
	ChunkerName    string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_chunk_buffer,priority:2;column:chunker_name" json:"chunkerName"`
	ChunkerVersion string    `gorm:"type:varchar(32);not null;uniqueIndex:uk_chunk_buffer,priority:3;column:chunker_version" json:"chunkerVersion"`
	Ordinal        int       `gorm:"not null;uniqueIndex:uk_chunk_buffer,priority:4;column:ordinal" json:"ordinal"`
	Content        string    `gorm:"type:longtext;column:content" json:"content"`
	CreatedAt      time.Time `gorm:"autoCreateTime;column:created_at" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ChunkBuffer) TableName() string {
	return "document_chunk_buffer"
}

// VectorBuffer 对应于数据库中的 document_vector_buffer 暂存表，由下游向量化
// worker 写入，键结构与 ChunkBuffer 一致。
type VectorBuffer struct {
	ID             uint      `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	DocumentID     string    `gorm:"type:char(36);not null;uniqueIndex:uk_vector_buffer,priority:1;column:document_id" json:"documentId"`
	ChunkerName    string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_vector_buffer,priority:2;column:chunker_name" json:"chunkerName"`
	ChunkerVersion string    `gorm:"type:varchar(32);not null;uniqueIndex:uk_vector_buffer,priority:3;column:chunker_version" json:"chunkerVersion"`
	Ordinal        int       `gorm:"not null;uniqueIndex:uk_vector_buffer,priority:4;column:ordinal" json:"ordinal"`
	Embedding      Vector    `gorm:"type:json;column:embedding" json:"embedding"`
	ModelVersion   string    `gorm:"type:varchar(64);column:model_version" json:"modelVersion"`
	CreatedAt      time.Time `gorm:"autoCreateTime;column:created_at" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (VectorBuffer) TableName() string {
	return "document_vector_buffer"
}

// DocumentChunk 对应于数据库中的 document_chunks 终表。
// chunk_id 由 (document_id, chunker_name, chunker_version, ordinal) 确定性
// 派生，同一分块器版本重跑流水线得到相同主键，提升因此是幂等的 upsert。
type DocumentChunk struct {
	ChunkID        string    `gorm:"type:char(36);primaryKey;column:chunk_id" json:"chunkId"`
	DocumentID     string    `gorm:"type:char(36);not null;index;column:document_id" json:"documentId"`
	ChunkerName    string    `gorm:"type:varchar(64);not null;column:chunker_name" json:"chunkerName"`
	ChunkerVersion string    `gorm:"type:varchar(32);not null;column:chunker_version" json:"chunkerVersion"`
	Ordinal        int       `gorm:"not null;column:ordinal" json:"ordinal"`
	Content        string    `gorm:"type:longtext;column:content" json:"content"`
	Embedding      Vector    `gorm:"type:json;column:embedding" json:"embedding,omitempty"`
	ModelVersion   string    `gorm:"type:varchar(64);column:model_version" json:"modelVersion,omitempty"`
	CreatedAt      time.Time `gorm:"autoCreateTime;column:created_at" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime;column:updated_at" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (DocumentChunk) TableName() string {
	return "document_chunks"
}
