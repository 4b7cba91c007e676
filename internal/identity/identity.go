// Package identity 提供内容寻址的确定性 ID 生成与校验。
//
// 文档与分块的 ID 在固定命名空间上做 UUIDv5 派生：输入相同则输出必然相同，
// 不依赖网络或时钟，重试因此不会产生重复数据。任务 ID 是随机 UUIDv4，
// 一次处理尝试对应一个新 ID。
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidInput 表示派生 ID 的输入不合法（空值、负序号等）。
// 生成器绝不会在确定性请求失败时退化为随机 ID。
var ErrInvalidInput = errors.New("标识符输入不合法")

// 本项目的固定派生命名空间，任何环境下都不允许更改，否则会破坏已有 ID。
var namespaceDocPipe = uuid.MustParse("8c9d6bfa-3e51-4ec2-9d2e-7b6fb1c7af25")

// DocumentID 由 (userID, contentHash) 确定性派生文档 ID。
// contentHash 为内容的 sha256 十六进制摘要，大小写不敏感。
func DocumentID(userID, contentHash string) (string, error) {
	userID = strings.TrimSpace(userID)
	contentHash = strings.ToLower(strings.TrimSpace(contentHash))
	if userID == "" {
		return "", fmt.Errorf("%w: user_id 为空", ErrInvalidInput)
	}
	if contentHash == "" {
		return "", fmt.Errorf("%w: content_hash 为空", ErrInvalidInput)
	}
	name := fmt.Sprintf("document:%s:%s", userID, contentHash)
	return uuid.NewSHA1(namespaceDocPipe, []byte(name)).String(), nil
}

// ChunkID 由 (documentID, chunkerName, chunkerVersion, ordinal) 确定性派生
// 分块 ID。同一分块器版本重跑流水线会得到相同 ID，提升阶段据此做幂等 upsert。
func ChunkID(documentID, chunkerName, chunkerVersion string, ordinal int) (string, error) {
	documentID = strings.TrimSpace(documentID)
	chunkerName = strings.TrimSpace(chunkerName)
	chunkerVersion = strings.TrimSpace(chunkerVersion)
	if documentID == "" {
		return "", fmt.Errorf("%w: document_id 为空", ErrInvalidInput)
	}
	if chunkerName == "" {
		return "", fmt.Errorf("%w: chunker_name 为空", ErrInvalidInput)
	}
	if chunkerVersion == "" {
		return "", fmt.Errorf("%w: chunker_version 为空", ErrInvalidInput)
	}
	if ordinal < 0 {
		return "", fmt.Errorf("%w: ordinal 不能为负数 (%d)", ErrInvalidInput, ordinal)
	}
	name := fmt.Sprintf("chunk:%s:%s:%s:%d", documentID, chunkerName, chunkerVersion, ordinal)
	return uuid.NewSHA1(namespaceDocPipe, []byte(name)).String(), nil
}

// JobID 生成随机的任务 ID（UUIDv4），每次处理尝试一个。
func JobID() string {
	return uuid.NewString()
}

// WebhookSecret 生成每个任务独立的回调签名密钥（32 字节，hex 编码）。
func WebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成回调密钥失败: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidateFormat 只做结构校验（版本与变体位），不查询存储。
func ValidateFormat(s string) bool {
	u, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	if u.Variant() != uuid.RFC4122 {
		return false
	}
	v := u.Version()
	return v >= 1 && v <= 5
}
