// Package messaging 提供消息队列实现
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"style-studio-api/internal/domain/entity"
	"style-studio-api/pkg/metrics"
)

var tracer = otel.Tracer("messaging")

// Producer 消息生产者
type Producer struct {
	client *redis.Client
	stream Stream
	maxLen int64
}

// NewProducer 创建消息生产者
func NewProducer(client *redis.Client, stream Stream, maxLen int64) *Producer {
	if maxLen <= 0 {
		maxLen = 100000
	}
	if stream == "" {
		stream = StreamGenerationCompleted
	}
	return &Producer{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

// Publish 发布消息到配置的流
func (p *Producer) Publish(ctx context.Context, msg *Message) (string, error) {
	ctx, span := tracer.Start(ctx, "producer.Publish",
		trace.WithAttributes(
			attribute.String("stream", string(p.stream)),
			attribute.String("message.id", msg.ID),
			attribute.String("message.type", msg.Type),
		))
	defer span.End()

	args, err := xaddArgs(p.stream, p.maxLen, msg)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	result, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		span.RecordError(err)
		metrics.RedisStreamPublished.WithLabelValues(string(p.stream), "error").Inc()
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	metrics.RedisStreamPublished.WithLabelValues(string(p.stream), "ok").Inc()
	span.SetAttributes(attribute.String("stream.message_id", result))
	return result, nil
}

// GenerationCompleted 完成事件载荷
type GenerationCompleted struct {
	GenerationID string    `json:"generation_id"`
	UserID       string    `json:"user_id"`
	Style        string    `json:"style"`
	ImageURL     string    `json:"image_url"`
	CreatedAt    time.Time `json:"created_at"`
}

// PublishGenerationCompleted 发布产物完成事件
func (p *Producer) PublishGenerationCompleted(ctx context.Context, g *entity.Generation) error {
	msg, err := NewMessage(g.ID, MessageTypeGenerationCompleted, g.UserID, GenerationCompleted{
		GenerationID: g.ID,
		UserID:       g.UserID,
		Style:        string(g.Style),
		ImageURL:     g.ImageURL,
		CreatedAt:    g.CreatedAt,
	})
	if err != nil {
		return err
	}
	msg.SetMetadata("style", string(g.Style))

	_, err = p.Publish(ctx, msg)
	return err
}

// xaddArgs 构造 XADD 参数，消息序列化后放在 data 字段
func xaddArgs(stream Stream, maxLen int64, msg *Message) (*redis.XAddArgs, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return &redis.XAddArgs{
		Stream: string(stream),
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{"data": string(data)},
	}, nil
}
