package service

import (
	"context"
	"io"
	"time"

	"github.com/minio/minio-go/v7"

	"docpipe-go/internal/pipeline"
	"docpipe-go/pkg/parser"
	"docpipe-go/pkg/tasks"
)

// 服务层对外部设施只依赖这里声明的窄接口，测试时以内存实现替换。

// BlobStore 是服务层所需的对象存储操作子集，由 pkg/storage.Store 满足。
type BlobStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Stat(ctx context.Context, key string) (minio.ObjectInfo, error)
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	RemovePrefix(ctx context.Context, prefix string) error
}

// TaskPublisher 向下游 worker 发布流水线任务，由 pkg/kafka.Producer 满足。
type TaskPublisher interface {
	PublishTask(ctx context.Context, task tasks.PipelineTask) error
}

// ParseSubmitter 提交异步解析请求，由 pkg/parser.Client 满足。
type ParseSubmitter interface {
	Submit(ctx context.Context, req parser.SubmitRequest) (*parser.SubmitResponse, error)
}

// ChunkIndex 是检索镜像的清理入口，由 pkg/es.Client 满足。
type ChunkIndex interface {
	DeleteByDocumentID(ctx context.Context, documentID string) error
}

// BufferPromoter 执行缓冲提升，由 internal/pipeline.Promoter 满足。
type BufferPromoter interface {
	Promote(ctx context.Context, jobID string) (*pipeline.PromoteResult, error)
}
