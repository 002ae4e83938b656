package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"strategy-arena/internal/config"
)

// KafkaSink 将事件写入 Kafka 主题，消息键为事件主体，保证同一任务的事件有序。
type KafkaSink struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaSink 根据配置创建 Kafka 生产者。
func NewKafkaSink(cfg config.KafkaConfig, logger *zap.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: kafka brokers 不能为空")
	}
	if cfg.Topic == "" {
		return nil, errors.New("events: kafka topic 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
	}

	logger.Info("初始化 Kafka 事件输出",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
	)

	return &KafkaSink{writer: writer, logger: logger}, nil
}

// Publish 实现 Sink。
func (s *KafkaSink) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: 序列化事件失败: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.Subject),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Warn("写入 Kafka 失败", zap.String("type", string(event.Type)), zap.Error(err))
		return fmt.Errorf("events: 写入 Kafka 失败: %w", err)
	}
	return nil
}

// Close 关闭生产者。
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
