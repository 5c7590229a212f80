package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "nextrade.trades"

// KafkaPublisher writes fills to a kafka topic keyed by user and symbol so
// that every fill for one position lands on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if topic == "" {
		topic = DefaultTopic
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Msg("kafka trade publisher configured")

	return &KafkaPublisher{writer: writer}, nil
}

func (p *KafkaPublisher) PublishFill(ctx context.Context, fill Fill) error {
	msg, err := encodeFill(fill)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish fill %s: %w", fill.OrderID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func encodeFill(fill Fill) (kafka.Message, error) {
	value, err := json.Marshal(fill)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode fill %s: %w", fill.OrderID, err)
	}
	return kafka.Message{
		Key:   []byte(fill.UserID + ":" + fill.Symbol),
		Value: value,
		Time:  fill.FilledAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("order_filled")},
		},
	}, nil
}
