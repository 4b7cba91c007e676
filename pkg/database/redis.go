package database

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"docpipe-go/internal/config"
	"docpipe-go/pkg/log"
)

// NewRedis 构造 Redis 客户端并校验连通性。
// 客户端用于回调的幂等标记与消费侧的重试计数。
func NewRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	log.Info("Redis client connected successfully")
	return rdb, nil
}
