package queue

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/smskit/campaign-dispatch/internal/config"
)

// Consumer is a thin wrapper around a kafka-go Reader. Consumer-group
// partition assignment is what gives batch jobs their lease semantics:
// while a member holds a partition, no other member sees its jobs.
type Consumer struct {
	r *kafka.Reader
}

func NewConsumer(cfg config.KafkaConfig) *Consumer {
	min := cfg.MinBytes
	if min <= 0 {
		min = 1 << 10
	}
	max := cfg.MaxBytes
	if max <= 0 {
		max = 10 << 20
	}
	ci := time.Duration(cfg.CommitInterval) * time.Millisecond
	if ci <= 0 {
		ci = time.Second
	}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "campd-dispatch"
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        groupID,
		Topic:          cfg.BatchTopic,
		MinBytes:       min,
		MaxBytes:       max,
		CommitInterval: ci,
		MaxWait:        50 * time.Millisecond,
	})

	return &Consumer{r: r}
}

type Message = kafka.Message

func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	return c.r.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, m Message) error {
	return c.r.CommitMessages(ctx, m)
}

func (c *Consumer) Close() error { return c.r.Close() }

// Producer publishes batch jobs back onto Kafka: redeliveries with
// backoff onto the batch topic, exhausted jobs onto the dead topic.
type Producer struct {
	w *kafka.Writer
}

func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 20 * time.Millisecond,
	}
	return &Producer{w: w}
}

func (p *Producer) Publish(ctx context.Context, topic, key string, payload []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
}

func (p *Producer) Close() error { return p.w.Close() }
