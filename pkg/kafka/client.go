// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"tgstate-go/internal/config"
	"tgstate-go/pkg/log"
	"tgstate-go/pkg/tasks"
)

const (
	// maxAttempts 是同一条消息处理失败后重新投递的上限，达到后提交 offset 放弃。
	maxAttempts     = 3
	attemptsKeyTTL  = 24 * time.Hour
	attemptsKeyBase = "kafka:attempts:"
)

// EventProcessor 处理一条上传完成事件。
// 把消费者与具体的处理流程解耦。
type EventProcessor interface {
	Process(ctx context.Context, evt tasks.FileUploadedEvent) error
}

func splitBrokers(brokers string) []string {
	out := make([]string, 0)
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// messageWriter 是 *kafka.Writer 中生产者用到的部分。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer 把上传完成事件写入 Kafka。
type Producer struct {
	writer messageWriter
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(splitBrokers(cfg.Brokers)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// PublishFileUploaded 发送一个上传完成事件，以 fileId 作为消息 key。
func (p *Producer) PublishFileUploaded(ctx context.Context, evt tasks.FileUploadedEvent) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.FileID),
		Value: value,
	})
}

// Close 刷新缓冲区并关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// messageReader 是 *kafka.Reader 中消费者用到的部分。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 消费上传完成事件，失败次数记录在 Redis 中。
type Consumer struct {
	reader    messageReader
	rdb       *redis.Client
	keyPrefix string
	processor EventProcessor
}

// NewConsumer 创建一个 Kafka 消费者。
func NewConsumer(cfg config.KafkaConfig, rdb *redis.Client, keyPrefix string, processor EventProcessor) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  splitBrokers(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, rdb: rdb, keyPrefix: keyPrefix, processor: processor}
}

func (c *Consumer) attemptsKey(fileID string) string {
	return c.keyPrefix + ":" + attemptsKeyBase + fileID
}

// Run 循环拉取并处理消息，直到 ctx 结束。
func (c *Consumer) Run(ctx context.Context) {
	log.Info("Kafka 消费者已启动")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}
		c.handle(ctx, m)
	}

	if err := c.reader.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
	log.Info("Kafka 消费者已停止")
}

// handle 处理一条消息。成功或达到重试上限时提交 offset，否则不提交以便重新投递。
func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var evt tasks.FileUploadedEvent
	if err := json.Unmarshal(m.Value, &evt); err != nil || evt.FileID == "" {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		c.commit(ctx, m)
		return
	}

	if err := c.processor.Process(ctx, evt); err != nil {
		log.Errorf("处理上传事件失败: fileID=%s, error: %v", evt.FileID, err)
		attempts, incErr := c.rdb.Incr(ctx, c.attemptsKey(evt.FileID)).Result()
		if incErr != nil {
			// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
			return
		}
		_ = c.rdb.Expire(ctx, c.attemptsKey(evt.FileID), attemptsKeyTTL).Err()
		if attempts >= maxAttempts {
			log.Errorf("上传事件多次处理失败(>=%d)，提交 offset 终止重试: fileID=%s", maxAttempts, evt.FileID)
			c.commit(ctx, m)
		}
		return
	}

	_ = c.rdb.Del(ctx, c.attemptsKey(evt.FileID)).Err()
	c.commit(ctx, m)
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
