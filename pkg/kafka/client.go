// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"docpipe-go/internal/config"
	"docpipe-go/pkg/log"
	"docpipe-go/pkg/tasks"
)

// EventHandler defines the interface for any component that reacts to worker
// stage events. This decouples the Kafka consumer from the concrete pipeline
// implementation.
type EventHandler interface {
	HandleStageEvent(ctx context.Context, event tasks.StageEvent) error
	// OnRetriesExhausted 在事件重试次数耗尽后被调用，由实现方决定收尾动作。
	OnRetriesExhausted(ctx context.Context, event tasks.StageEvent, cause error)
}

// Producer 负责向任务主题写消息，供外部分块/向量化 worker 消费。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(splitBrokers(cfg.Brokers)...),
		Topic:    cfg.TaskTopic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: writer}
}

// PublishTask 发送一个流水线任务。以 document_id 作为消息 key，
// 保证同一文档的任务落在同一分区、按序消费。
func (p *Producer) PublishTask(ctx context.Context, task tasks.PipelineTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.DocumentID),
		Value: data,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer 消费 worker 回报的阶段事件并交给 handler 驱动任务状态前进。
// 处理失败时用 Redis 计数重试次数，达到上限后调用 OnRetriesExhausted
// 并提交 offset 终止重试。
type Consumer struct {
	reader      *kafka.Reader
	rdb         *redis.Client
	handler     EventHandler
	maxAttempts int64
}

// NewConsumer 初始化阶段事件消费者。
func NewConsumer(cfg config.KafkaConfig, rdb *redis.Client, handler EventHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  splitBrokers(cfg.Brokers),
		Topic:    cfg.EventTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	maxAttempts := int64(cfg.MaxAttempts)
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Consumer{reader: reader, rdb: rdb, handler: handler, maxAttempts: maxAttempts}
}

// Run 阻塞消费事件主题，直到 ctx 被取消。通常放在独立 goroutine 中运行。
func (c *Consumer) Run(ctx context.Context) {
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", c.reader.Config().Topic)

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("Kafka 消费者收到退出信号")
			} else {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}

		var event tasks.StageEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			log.Errorf("无法解析阶段事件: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			c.commit(ctx, m)
			continue
		}

		log.Infof("[EventConsumer] 收到阶段事件: job=%s stage=%s offset=%d", event.JobID, event.Stage, m.Offset)

		if err := c.handler.HandleStageEvent(ctx, event); err != nil {
			log.Errorf("[EventConsumer] 处理阶段事件失败: job=%s stage=%s err=%v", event.JobID, event.Stage, err)

			attemptsKey := fmt.Sprintf("pipeline:event:attempts:%s:%s", event.JobID, event.Stage)
			attempts, incErr := c.rdb.Incr(ctx, attemptsKey).Result()
			if incErr != nil {
				// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
				continue
			}
			_ = c.rdb.Expire(ctx, attemptsKey, 24*time.Hour).Err()

			if attempts >= c.maxAttempts {
				log.Errorf("[EventConsumer] 阶段事件重试次数耗尽(%d)，终止重试: job=%s stage=%s", attempts, event.JobID, event.Stage)
				c.handler.OnRetriesExhausted(ctx, event, err)
				c.commit(ctx, m)
				_ = c.rdb.Del(ctx, attemptsKey).Err()
			}
			// attempts 未达上限时不提交 offset，等待重新投递
			continue
		}

		// 处理成功，清理失败计数并手动提交 offset
		_ = c.rdb.Del(ctx, fmt.Sprintf("pipeline:event:attempts:%s:%s", event.JobID, event.Stage)).Err()
		c.commit(ctx, m)
	}

	if err := c.reader.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}

func splitBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
