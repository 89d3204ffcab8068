package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Publisher pushes task snapshots to subscribers.
type Publisher interface {
	Publish(ctx context.Context, t Task) error
	Close() error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Task) error { return nil }
func (NopPublisher) Close() error                        { return nil }

// KafkaPublisher writes every state change to one topic, keyed by task id so
// a consumer sees a task's updates in order.
type KafkaPublisher struct {
	w *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, t Task) error {
	msg, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.ID),
		Value: msg,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(t.Kind)},
			{Key: "state", Value: []byte(t.State)},
		},
	})
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }
