// Package model 定义了与数据库表对应的 Go 结构体。
package model

// ChunkDocument 定义了存储在 Elasticsearch 中的分块文档结构。
// 索引文档 ID 复用确定性的 chunk_id，重复索引是幂等的覆盖写；
// MySQL 中的 document_chunks 行才是权威数据，索引只是检索侧的镜像。
type ChunkDocument struct {
	ChunkID        string    `json:"chunk_id"`
	DocumentID     string    `json:"document_id"`
	UserID         string    `json:"user_id"`
	Ordinal        int       `json:"ordinal"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"embedding,omitempty"`
	ChunkerName    string    `json:"chunker_name"`
	ChunkerVersion string    `json:"chunker_version"`
	ModelVersion   string    `json:"model_version,omitempty"`
}

// NewChunkDocument 由终表分块行构造索引文档。
func NewChunkDocument(chunk DocumentChunk, userID string) ChunkDocument {
	return ChunkDocument{
		ChunkID:        chunk.ChunkID,
		DocumentID:     chunk.DocumentID,
		UserID:         userID,
		Ordinal:        chunk.Ordinal,
		Content:        chunk.Content,
		Embedding:      chunk.Embedding,
		ChunkerName:    chunk.ChunkerName,
		ChunkerVersion: chunk.ChunkerVersion,
		ModelVersion:   chunk.ModelVersion,
	}
}
