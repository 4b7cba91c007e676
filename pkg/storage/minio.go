// Package storage 提供与对象存储服务（MinIO）交互的功能。
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"docpipe-go/internal/config"
	"docpipe-go/pkg/log"
)

// Store 是注入式的对象存储客户端。所有对象都落在同一个桶内，
// 以规范键前缀划分每个文档的原始内容与解析产物。
type Store struct {
	client *minio.Client
	bucket string
}

// New 初始化 MinIO 客户端并确保指定的存储桶存在。
func New(cfg config.MinIOConfig) (*Store, error) {
	// 1. 初始化 MinIO 客户端
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	// 2. 检查存储桶是否存在，不存在则创建
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}

	log.Info("MinIO 客户端初始化成功")
	return &Store{client: client, bucket: cfg.BucketName}, nil
}

// RawObjectKey 返回原始上传内容的规范存储键。
func RawObjectKey(userID, documentID, filename string) string {
	return fmt.Sprintf("users/%s/documents/%s/raw/%s", userID, documentID, filename)
}

// ParsedObjectKey 返回解析产物的规范存储键，由 (userID, documentID) 唯一确定，
// 重复回调写同一个键，不会产生重复对象。
func ParsedObjectKey(userID, documentID string) string {
	return fmt.Sprintf("users/%s/documents/%s/parsed.md", userID, documentID)
}

// DocumentPrefix 返回某文档名下全部对象的键前缀。
func DocumentPrefix(userID, documentID string) string {
	return fmt.Sprintf("users/%s/documents/%s/", userID, documentID)
}

// Put 上传对象。
func (s *Store) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("上传对象 %s 失败: %w", key, err)
	}
	return nil
}

// Get 读取对象内容，调用方负责 Close。
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("读取对象 %s 失败: %w", key, err)
	}
	return obj, nil
}

// Stat 返回对象元信息，对象不存在时报错。
func (s *Store) Stat(ctx context.Context, key string) (minio.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return minio.ObjectInfo{}, fmt.Errorf("获取对象 %s 元信息失败: %w", key, err)
	}
	return info, nil
}

// PresignedGetURL 生成对象的临时下载链接。
func (s *Store) PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	presignedURL, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("生成对象 %s 的预签名链接失败: %w", key, err)
	}
	return presignedURL.String(), nil
}

// Remove 删除单个对象。
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("删除对象 %s 失败: %w", key, err)
	}
	return nil
}

// RemovePrefix 删除给定前缀下的全部对象，用于整文档清理。
func (s *Store) RemovePrefix(ctx context.Context, prefix string) error {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return fmt.Errorf("枚举前缀 %s 下的对象失败: %w", prefix, obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("删除对象 %s 失败: %w", obj.Key, err)
		}
	}
	return nil
}
