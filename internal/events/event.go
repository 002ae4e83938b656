package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Type 表示事件类型。
type Type string

const (
	TypeTaskQueued    Type = "task.queued"
	TypeTaskStarted   Type = "task.started"
	TypeTaskCompleted Type = "task.completed"
	TypeTaskFailed    Type = "task.failed"
	TypeDecision      Type = "decision.made"
	TypeRiskUpdate    Type = "risk.update"
	TypeError         Type = "error"
)

// Event 为对外发布与落库的通用事件。
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Subject   string          `json:"subject"`
	Owner     string          `json:"owner,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New 创建事件并序列化负载。
func New(typ Type, subject, owner string, payload interface{}) (Event, error) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Subject:   subject,
		Owner:     owner,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("events: 序列化负载失败: %w", err)
		}
		event.Payload = raw
	}
	return event, nil
}

// Sink 接收事件。实现需要并发安全。
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Nop 丢弃所有事件。
type Nop struct{}

// Publish 实现 Sink。
func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout 将事件依次投递给多个 Sink，汇总全部错误。
type Fanout []Sink

// Publish 实现 Sink。
func (f Fanout) Publish(ctx context.Context, event Event) error {
	var err error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		err = multierr.Append(err, sink.Publish(ctx, event))
	}
	return err
}
